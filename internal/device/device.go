// Package device keeps per-device state in a small bbolt database that
// lives outside the synchronized folder, so the file synchronizer never
// replicates it. The stable device id recorded here is what leader
// election writes into its lock-file claim.
package device

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	configBucket = []byte("config")

	keyVersion        = []byte("version")
	keyCreated        = []byte("created")
	keyDeviceID       = []byte("device_id")
	keyLastResolution = []byte("last_resolution")
)

// DB is the device-local state database.
type DB struct {
	db *bolt.DB
}

// Open opens or creates the device database at path.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open device database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		config, err := tx.CreateBucketIfNotExists(configBucket)
		if err != nil {
			return err
		}
		if config.Get(keyVersion) == nil {
			if err := config.Put(keyVersion, []byte("1")); err != nil {
				return err
			}
			created, _ := time.Now().MarshalBinary()
			if err := config.Put(keyCreated, created); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize device database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// GetOrCreateDeviceID returns this device's stable id, generating and
// persisting one on first use.
func (d *DB) GetOrCreateDeviceID() (string, error) {
	var id string
	err := d.db.Update(func(tx *bolt.Tx) error {
		config := tx.Bucket(configBucket)
		if existing := config.Get(keyDeviceID); existing != nil {
			id = string(existing)
			return nil
		}
		id = uuid.NewString()
		return config.Put(keyDeviceID, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("failed to get device id: %w", err)
	}
	return id, nil
}

// SetLastResolution records when this device last committed a conflict
// resolution.
func (d *DB) SetLastResolution(t time.Time) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(t.Unix()))
		return tx.Bucket(configBucket).Put(keyLastResolution, buf)
	})
}

// GetLastResolution returns the last resolution time, or the zero time
// when this device has never resolved a conflict.
func (d *DB) GetLastResolution() (time.Time, error) {
	var t time.Time
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(configBucket).Get(keyLastResolution)
		if data == nil || len(data) != 8 {
			return nil
		}
		t = time.Unix(int64(binary.BigEndian.Uint64(data)), 0).UTC()
		return nil
	})
	return t, err
}
