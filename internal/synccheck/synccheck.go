// Package synccheck inspects the synchronized folder for signs that
// the external synchronizer or an interrupted operation left work
// behind. The checks are advisory; they feed the status display and
// never block the store.
package synccheck

import (
	"fmt"
	"os"
	"strings"
	"time"

	"tunnelvault/internal/eventlog"
	"tunnelvault/internal/resolver"
)

// staleLockAge is how old a resolution claim may be before it is
// flagged; a healthy resolution finishes well within this.
const staleLockAge = 30 * time.Minute

// Report summarizes folder health.
type Report struct {
	ConflictArtifacts []string
	Lock              *LockInfo
	StaleRekey        bool
}

// LockInfo describes an outstanding resolution claim.
type LockInfo struct {
	DeviceID string
	Age      time.Duration
	Stale    bool
}

// Inspect checks one store folder.
func Inspect(log *eventlog.DirLog, rekeyStaging string) (*Report, error) {
	report := &Report{}

	artifacts, err := log.ConflictArtifacts()
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		report.ConflictArtifacts = append(report.ConflictArtifacts, a.Name)
	}

	claim, err := resolver.ReadClaim(log.Root())
	if err != nil {
		// A corrupt lock still blocks mutations, so surface it.
		report.Lock = &LockInfo{DeviceID: "(corrupt)", Stale: true}
	} else if claim != nil {
		info := &LockInfo{DeviceID: claim.DeviceID}
		if claimed, err := eventlog.DecodeStamp(claim.ClaimedAt); err == nil {
			info.Age = time.Since(claimed)
			info.Stale = info.Age > staleLockAge
		}
		report.Lock = info
	}

	if _, err := os.Stat(rekeyStaging); err == nil {
		report.StaleRekey = true
	}

	return report, nil
}

// Format renders a report for terminal display, empty when healthy.
func Format(r *Report) string {
	if len(r.ConflictArtifacts) == 0 && r.Lock == nil && !r.StaleRekey {
		return ""
	}

	var b strings.Builder
	b.WriteString("\nSync folder:\n")

	if n := len(r.ConflictArtifacts); n > 0 {
		b.WriteString(fmt.Sprintf("   warning: %d conflict artifact(s) awaiting resolution:\n", n))
		for _, name := range r.ConflictArtifacts {
			b.WriteString(fmt.Sprintf("      - %s\n", name))
		}
		b.WriteString("   run: tunnelvault resolve\n")
	}

	if r.Lock != nil {
		if r.Lock.Stale {
			b.WriteString(fmt.Sprintf("   warning: stale resolution lock held by %s (age %s)\n",
				r.Lock.DeviceID, r.Lock.Age.Round(time.Second)))
		} else {
			b.WriteString(fmt.Sprintf("   resolution in progress on device %s\n", r.Lock.DeviceID))
		}
	}

	if r.StaleRekey {
		b.WriteString("   warning: leftover password-change staging; next unlock will clean it up\n")
	}

	return b.String()
}
