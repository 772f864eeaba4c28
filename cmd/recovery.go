package cmd

import (
	"context"
	"fmt"
)

// Recovery re-displays the recovery key generated when the store was
// created. Requires the master password; the key itself is stored
// encrypted under it.
func Recovery(ctx context.Context, dir string) {
	st := OpenStore(dir)
	Unlock(ctx, st)
	defer st.Lock()

	key, err := st.RecoveryKey()
	if err != nil {
		HandleError(err)
	}

	fmt.Println("Recovery key:")
	fmt.Printf("  %s\n", key)
}
