package main

import (
	"fmt"
	"io"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. It returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "schema":
		return runSchemaCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "consensus":
		return runConsensusCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "delegate":
		return runDelegateCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "warrant %s\n", version)
	fmt.Fprintln(w, "Capabilities are declared. Every execution is receipted.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  warrant <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "NODE")
	printCommand(w, "serve", "Run the HTTP API (configured from WARRANT_* env)")
	printCommand(w, "schema", "Print the capability schema export (--catalog)")

	printSection(w, "VERIFICATION")
	printCommand(w, "verify", "Verify a receipt or receipt chain (--receipt, --pub)")
	printCommand(w, "consensus", "Validate a set of votes (--votes, --quorum)")

	printSection(w, "KEYS & DELEGATION")
	printCommand(w, "keygen", "Generate or derive an agent key (--agent, --seed)")
	printCommand(w, "delegate", "Issue a delegation certificate token")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}
