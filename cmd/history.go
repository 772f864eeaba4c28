package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"tunnelvault/internal/eventlog"
)

// History prints a record's full event timeline.
func History(ctx context.Context, dir, id string) {
	st := OpenStore(dir)
	Unlock(ctx, st)
	defer st.Lock()

	versions, err := st.Versions(ctx, id)
	if err != nil {
		HandleError(err)
	}
	if len(versions) == 0 {
		fmt.Fprintf(os.Stderr, "No history for %s\n", id)
		os.Exit(1)
	}

	for i, v := range versions {
		fmt.Printf("%3d  %s  %s\n", i+1, v.Timestamp.Format(time.RFC3339Nano), v.Action)
	}
}

// Cat prints a record's serialized content, current or as of a past
// timestamp given in the log's encoded form or RFC 3339.
func Cat(ctx context.Context, dir, id, at string) {
	st := OpenStore(dir)
	Unlock(ctx, st)
	defer st.Lock()

	asOf := time.Now()
	if at != "" {
		t, err := eventlog.DecodeStamp(at)
		if err != nil {
			t, err = time.Parse(time.RFC3339, at)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: unrecognized timestamp %q\n", at)
			os.Exit(1)
		}
		asOf = t
	}

	content, err := st.ContentAt(ctx, id, asOf)
	if err != nil {
		HandleError(err)
	}
	if content == "" {
		fmt.Fprintf(os.Stderr, "No content for %s at %s\n", id, asOf.Format(time.RFC3339))
		os.Exit(1)
	}
	fmt.Println(content)
}
