package cmd

import (
	"context"
	"fmt"

	"tunnelvault/internal/record"
)

// Ls lists all live records with their decrypted details.
func Ls(ctx context.Context, dir string) {
	st := OpenStore(dir)
	Unlock(ctx, st)
	defer st.Lock()

	servers := st.Servers()
	fmt.Printf("Servers (%d):\n", len(servers))
	for _, rec := range servers {
		s := rec.Fields.(*record.Server)
		fmt.Printf("  %s  %s@%s  [%s]\n", s.Name, s.User, s.IPAddress, rec.ID)
	}

	tunnels := st.Tunnels()
	fmt.Printf("\nTunnels (%d):\n", len(tunnels))
	for _, rec := range tunnels {
		t := rec.Fields.(*record.Tunnel)
		target := t.LocalDestination
		if t.RemotePort != 0 {
			target = fmt.Sprintf("%s (remote port %d)", target, t.RemotePort)
		}
		server := t.ServerID
		if srv, ok := st.Get(t.ServerID); ok {
			server = srv.DisplayName()
		}
		fmt.Printf("  %s -> %s via %s  [%s]\n", t.Hostname, target, server, rec.ID)
	}

	clients := st.ListByKind(record.KindClient)
	fmt.Printf("\nClients (%d):\n", len(clients))
	for _, rec := range clients {
		c := rec.Fields.(*record.Client)
		fmt.Printf("  %s  device %s  [%s]\n", c.Name, c.DeviceID, rec.ID)
	}

	if creds := st.AutomationCredentials(); creds != nil {
		a := creds.Fields.(*record.AutomationCredentials)
		fmt.Printf("\nAutomation credentials:\n  key: %s\n", a.PrivateKeyPath)
	}
}
