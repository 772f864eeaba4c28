package cmd

import (
	"context"
	"fmt"
	"sort"

	"tunnelvault/internal/synccheck"
)

// Status shows the store's state without requiring a password: record
// names come from the plaintext display index, sync health from the
// folder itself.
func Status(ctx context.Context, dir string) {
	st := OpenStore(dir)

	fmt.Printf("Store: %s\n", dir)
	if !st.IsConfigured() {
		fmt.Println("Not initialized; any unlocking command creates it on first run")
		return
	}

	index := st.Log().ReadIndex()
	byKind := map[string][]string{}
	for _, entry := range index {
		byKind[entry.Kind] = append(byKind[entry.Kind], entry.Name)
	}

	manifests, err := st.Log().Manifests(ctx)
	if err != nil {
		HandleError(err)
	}
	fmt.Printf("Events: %d\n", len(manifests))

	if len(index) == 0 {
		fmt.Println("Records: (none)")
	} else {
		fmt.Printf("Records: %d\n", len(index))
		for _, kind := range []string{"server", "tunnel", "client", "automation_credentials"} {
			names := byKind[kind]
			if len(names) == 0 {
				continue
			}
			sort.Strings(names)
			fmt.Printf("  %s (%d):\n", kind, len(names))
			for _, name := range names {
				fmt.Printf("    - %s\n", name)
			}
		}
	}

	report, err := synccheck.Inspect(st.Log(), st.StagingPath())
	if err != nil {
		HandleError(err)
	}
	if out := synccheck.Format(report); out != "" {
		fmt.Print(out)
	}
}
