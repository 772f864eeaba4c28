package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tunnelvault/cmd"
	"tunnelvault/internal/resolver"
)

func main() {
	// A .env next to the binary may carry TUNNELVAULT_DIR and
	// TUNNELVAULT_PASSWORD for scripted use; absence is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		runStatus(ctx, os.Args[2:])
	case "ls":
		runLs(ctx, os.Args[2:])
	case "history":
		runHistory(ctx, os.Args[2:])
	case "cat":
		runCat(ctx, os.Args[2:])
	case "add-server":
		runAddServer(ctx, os.Args[2:])
	case "add-tunnel":
		runAddTunnel(ctx, os.Args[2:])
	case "rm":
		runRm(ctx, os.Args[2:])
	case "passwd":
		runPasswd(ctx, os.Args[2:])
	case "recovery":
		runRecovery(ctx, os.Args[2:])
	case "resolve":
		runResolve(ctx, os.Args[2:])
	case "keyring":
		runKeyring(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func commonFlags(fs *flag.FlagSet) (dir *string, verbose *bool) {
	dir = fs.String("dir", "", "Store directory (default $TUNNELVAULT_DIR or the user config dir)")
	verbose = fs.Bool("v", false, "Enable debug logging")
	return dir, verbose
}

func parse(fs *flag.FlagSet, args []string, dir *string, verbose *bool) string {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	return cmd.Setup(*dir, *verbose)
}

func runStatus(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	storeDir := parse(fs, args, dir, verbose)

	cmd.Status(ctx, storeDir)
}

func runLs(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	storeDir := parse(fs, args, dir, verbose)

	cmd.Ls(ctx, storeDir)
}

func runHistory(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	storeDir := parse(fs, args, dir, verbose)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: tunnelvault history <record-id>")
		os.Exit(1)
	}
	cmd.History(ctx, storeDir, fs.Arg(0))
}

func runCat(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	at := fs.String("at", "", "Show content as of this timestamp instead of now")
	storeDir := parse(fs, args, dir, verbose)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: tunnelvault cat [--at <timestamp>] <record-id>")
		os.Exit(1)
	}
	cmd.Cat(ctx, storeDir, fs.Arg(0), *at)
}

func runAddServer(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("add-server", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	name := fs.String("name", "", "Server display name")
	ip := fs.String("ip", "", "Server IP address")
	user := fs.String("user", "", "SSH user")
	storeDir := parse(fs, args, dir, verbose)

	if *name == "" || *ip == "" || *user == "" {
		fmt.Fprintln(os.Stderr, "Usage: tunnelvault add-server --name <name> --ip <address> --user <user>")
		os.Exit(1)
	}
	cmd.AddServer(ctx, storeDir, *name, *ip, *user)
}

func runAddTunnel(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("add-tunnel", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	server := fs.String("server", "", "Server id or name")
	hostname := fs.String("hostname", "", "Public hostname")
	port := fs.Int("remote-port", 0, "Remote port on the server (optional)")
	dest := fs.String("dest", "", "Local destination, e.g. localhost:3000")
	storeDir := parse(fs, args, dir, verbose)

	if *server == "" || *hostname == "" {
		fmt.Fprintln(os.Stderr, "Usage: tunnelvault add-tunnel --server <id|name> --hostname <host> [--remote-port <n>] [--dest <addr>]")
		os.Exit(1)
	}
	cmd.AddTunnel(ctx, storeDir, *server, *hostname, *port, *dest)
}

func runRm(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	force := fs.Bool("force", false, "Remove without confirmation")
	storeDir := parse(fs, args, dir, verbose)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tunnelvault rm [--force] <record-id> [record-id...]")
		os.Exit(1)
	}
	cmd.Remove(ctx, storeDir, fs.Args(), *force)
}

func runPasswd(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	storeDir := parse(fs, args, dir, verbose)

	cmd.Passwd(ctx, storeDir)
}

func runRecovery(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("recovery", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	storeDir := parse(fs, args, dir, verbose)

	cmd.Recovery(ctx, storeDir)
}

func runResolve(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	window := fs.Duration("window", resolver.DefaultPropagationWindow,
		"How long to wait for competing claims to propagate")
	prefer := fs.String("prefer", "", "Pick duplicate winners automatically: newest or oldest")
	storeDir := parse(fs, args, dir, verbose)

	cmd.Resolve(ctx, storeDir, *window, *prefer)
}

func runKeyring(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tunnelvault keyring <save|forget|status>")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("keyring", flag.ExitOnError)
	dir, verbose := commonFlags(fs)
	storeDir := parse(fs, args[1:], dir, verbose)

	switch args[0] {
	case "save":
		cmd.KeyringSave(ctx, storeDir)
	case "forget":
		cmd.KeyringForget(storeDir)
	case "status":
		cmd.KeyringStatus(storeDir)
	default:
		fmt.Fprintf(os.Stderr, "Unknown keyring action: %s\n", args[0])
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("tunnelvault - Encrypted, synchronized tunnel configuration store")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tunnelvault <command> [flags] [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status      Show store and sync-folder health (no password needed)")
	fmt.Println("  ls          List all records")
	fmt.Println("  history     Show a record's event timeline")
	fmt.Println("  cat         Print a record's content, optionally at a past time")
	fmt.Println("  add-server  Add a server record")
	fmt.Println("  add-tunnel  Add a tunnel record")
	fmt.Println("  rm          Remove records")
	fmt.Println("  passwd      Change the master password")
	fmt.Println("  recovery    Show the recovery key again")
	fmt.Println("  resolve     Merge divergent changes from other devices")
	fmt.Println("  keyring     Manage the password in the OS keyring")
	fmt.Println("  help        Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  tunnelvault add-server --name web1 --ip 203.0.113.7 --user deploy")
	fmt.Println("  tunnelvault add-tunnel --server web1 --hostname app.example.com --dest localhost:3000")
	fmt.Println("  tunnelvault history 6f1c... ")
	fmt.Println("  tunnelvault resolve --prefer newest")
	fmt.Println()
	fmt.Println("The first unlocking command initializes the store and prints a")
	fmt.Println("one-time recovery key.")
}
