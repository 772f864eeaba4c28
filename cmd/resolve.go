package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tunnelvault/internal/device"
	"tunnelvault/internal/record"
	"tunnelvault/internal/resolver"
	"tunnelvault/internal/state"
	"tunnelvault/internal/store"
)

// Resolve runs the conflict resolution protocol: claim leadership, wait
// out the propagation window, merge all events, decide duplicate
// groups, and commit the converged state.
//
// prefer picks winners without prompting: "newest" or "oldest" by last
// local event time. With an empty prefer each group is decided
// interactively.
func Resolve(ctx context.Context, dir string, window time.Duration, prefer string) {
	if prefer != "" && prefer != "newest" && prefer != "oldest" {
		fmt.Fprintf(os.Stderr, "Error: --prefer must be newest or oldest\n")
		os.Exit(1)
	}

	db, err := device.Open(DevicePath())
	if err != nil {
		HandleError(err)
	}
	defer db.Close()

	deviceID, err := db.GetOrCreateDeviceID()
	if err != nil {
		HandleError(err)
	}

	st := OpenStore(dir)
	Unlock(ctx, st)
	defer st.Lock()

	r := st.NewResolver(resolver.Options{DeviceID: deviceID, PropagationWindow: window})

	artifacts, err := r.Detect()
	if err != nil {
		HandleError(err)
	}
	if len(artifacts) == 0 && !st.ConflictPending() && !hasDuplicates(st) {
		fmt.Println("Nothing to resolve")
		return
	}

	fmt.Printf("Claiming resolution lock as device %s...\n", deviceID)
	res, err := st.BeginResolution(ctx, r)
	if err != nil {
		HandleError(err)
	}

	winners := map[string]string{}
	for _, group := range res.Groups {
		winner := ""
		switch prefer {
		case "newest", "oldest":
			winner = pickByAge(ctx, st, group, prefer)
		default:
			winner = pickInteractive(group)
		}
		if winner == "" {
			_ = r.Abort()
			fmt.Println("Aborted")
			os.Exit(1)
		}
		winners[group.Key] = winner
	}

	if err := st.CommitResolution(ctx, r, res, winners); err != nil {
		_ = r.Abort()
		HandleError(err)
	}

	if err := db.SetLastResolution(time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record resolution time: %s\n", err)
	}

	fmt.Printf("Resolved: %d duplicate group(s), %d conflict artifact(s) merged\n",
		len(res.Groups), len(artifacts))
}

// hasDuplicates reports whether any two live records share a natural
// key. Duplicates can accumulate without file-level conflicts when two
// devices each cleanly add their own copy of the same entity.
func hasDuplicates(st *store.Store) bool {
	seen := map[string]bool{}
	for _, kind := range []record.Kind{record.KindServer, record.KindTunnel, record.KindClient, record.KindAutomationCredentials} {
		for _, rec := range st.ListByKind(kind) {
			key := rec.NaturalKey()
			if seen[key] {
				return true
			}
			seen[key] = true
		}
	}
	return false
}

// versionSource is the slice of the store facade age picking needs.
type versionSource interface {
	Versions(ctx context.Context, id string) ([]state.Version, error)
}

// lastEvent returns the time of a record's most recent local event, or
// the zero time when the record only exists in conflict artifacts.
func lastEvent(ctx context.Context, st versionSource, id string) time.Time {
	versions, err := st.Versions(ctx, id)
	if err != nil || len(versions) == 0 {
		return time.Time{}
	}
	return versions[len(versions)-1].Timestamp
}

func pickByAge(ctx context.Context, st versionSource, group resolver.CollisionGroup, prefer string) string {
	winner := group.Records[0].ID
	best := lastEvent(ctx, st, winner)
	for _, rec := range group.Records[1:] {
		t := lastEvent(ctx, st, rec.ID)
		if (prefer == "newest" && t.After(best)) || (prefer == "oldest" && t.Before(best)) {
			winner, best = rec.ID, t
		}
	}
	return winner
}

func pickInteractive(group resolver.CollisionGroup) string {
	fmt.Printf("\nDuplicate records for %s:\n", group.Key)
	for i, rec := range group.Records {
		text, err := rec.Encode()
		if err != nil {
			text = fmt.Sprintf("(unprintable: %s)", err)
		}
		fmt.Printf("  [%d] %s\n", i+1, rec.ID)
		fmt.Println(indent(text, "      "))
	}

	for {
		fmt.Printf("Keep which? [1-%d, a to abort]: ", len(group.Records))
		var response string
		fmt.Scanln(&response)
		if response == "a" {
			return ""
		}
		n, err := strconv.Atoi(response)
		if err == nil && n >= 1 && n <= len(group.Records) {
			return group.Records[n-1].ID
		}
	}
}

func indent(text, prefix string) string {
	return prefix + strings.ReplaceAll(text, "\n", "\n"+prefix)
}
