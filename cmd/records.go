package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"tunnelvault/internal/record"
)

// AddServer creates a server record.
func AddServer(ctx context.Context, dir, name, ip, user string) {
	st := OpenStore(dir)
	Unlock(ctx, st)
	defer st.Lock()

	rec, err := st.Add(ctx, &record.Server{Name: name, IPAddress: ip, User: user})
	if err != nil {
		HandleError(err)
	}
	fmt.Printf("Added server %s [%s]\n", name, rec.ID)
}

// AddTunnel creates a tunnel record. The server may be given by id or
// by name.
func AddTunnel(ctx context.Context, dir, server, hostname string, remotePort int, localDestination string) {
	st := OpenStore(dir)
	Unlock(ctx, st)
	defer st.Lock()

	serverID := resolveServer(st.Servers(), server)
	if serverID == "" {
		fmt.Fprintf(os.Stderr, "Error: no server matching %q\n", server)
		os.Exit(1)
	}

	rec, err := st.Add(ctx, &record.Tunnel{
		ServerID:         serverID,
		Hostname:         hostname,
		RemotePort:       remotePort,
		LocalDestination: localDestination,
	})
	if err != nil {
		HandleError(err)
	}
	fmt.Printf("Added tunnel %s [%s]\n", hostname, rec.ID)
}

func resolveServer(servers []*record.Record, ref string) string {
	for _, rec := range servers {
		if rec.ID == ref {
			return rec.ID
		}
	}
	for _, rec := range servers {
		if strings.EqualFold(rec.DisplayName(), ref) {
			return rec.ID
		}
	}
	return ""
}

// Remove deletes records by id after confirmation.
func Remove(ctx context.Context, dir string, ids []string, force bool) {
	st := OpenStore(dir)
	Unlock(ctx, st)
	defer st.Lock()

	for _, id := range ids {
		rec, ok := st.Get(id)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: no record %s\n", id)
			os.Exit(1)
		}

		if !force {
			fmt.Printf("Remove %s %q? [y/N]: ", rec.Kind(), rec.DisplayName())
			var response string
			fmt.Scanln(&response)
			if strings.ToLower(strings.TrimSpace(response)) != "y" {
				fmt.Println("Skipped")
				continue
			}
		}

		if err := st.Delete(ctx, id); err != nil {
			HandleError(err)
		}
		fmt.Printf("Removed %s [%s]\n", rec.DisplayName(), id)
	}
}
