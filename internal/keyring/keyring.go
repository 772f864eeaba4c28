// Package keyring stores the master password in the OS keyring so a
// device can unlock its store without prompting. Entries are keyed by
// the store directory, allowing multiple stores per machine.
package keyring

import (
	"github.com/zalando/go-keyring"
)

const serviceName = "tunnelvault"

// SavePassword stores the master password for a store directory.
func SavePassword(storeDir string, password string) error {
	return keyring.Set(serviceName, storeDir, password)
}

// GetPassword retrieves the master password for a store directory.
func GetPassword(storeDir string) (string, error) {
	return keyring.Get(serviceName, storeDir)
}

// DeletePassword removes the stored master password.
func DeletePassword(storeDir string) error {
	return keyring.Delete(serviceName, storeDir)
}

// HasPassword checks whether a password is stored for a store directory.
func HasPassword(storeDir string) bool {
	_, err := keyring.Get(serviceName, storeDir)
	return err == nil
}
