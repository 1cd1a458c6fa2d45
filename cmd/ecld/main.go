package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes follow BSD sysexits where they apply.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
	exitConfig = 64
	exitIO     = 74
	exitSignal = 130 // 128 + SIGINT
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run dispatches subcommands. The default command is the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		if args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "ecld - evidence custody ledger daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  ecld <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve     Run the custody ledger server (default)")
	fmt.Fprintln(w, "  verify    Verify artifact hash chains (--artifact, --json)")
	fmt.Fprintln(w, "  health    Check server health (HTTP)")
	fmt.Fprintln(w, "  help      Show this help")
	fmt.Fprintln(w, "")
}
