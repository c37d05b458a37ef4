// Command rendezvous is the CLI front end over the rendezvous facade:
// argument parsing and facade calls only, no matching logic of its own.
package main

import (
	"fmt"
	"os"
)

const (
	exitOK        = 0
	exitUserError = 1
	exitInfraError = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		showMainHelp()
		return exitUserError
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "create":
		return runCreate(rest)
	case "list":
		return runList(rest)
	case "show":
		return runShow(rest)
	case "submit":
		return runSubmit(rest)
	case "reveal":
		return runReveal(rest)
	case "matches":
		return runMatches(rest)
	case "close":
		return runClose(rest)
	case "export":
		return runExport(rest)
	case "keygen":
		return runKeygen(rest)
	case "derive-token":
		return runDeriveToken(rest)
	case "-help", "--help", "help":
		showMainHelp()
		return exitOK
	case "-version", "--version", "version":
		showVersion()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		showMainHelp()
		return exitUserError
	}
}

func showMainHelp() {
	fmt.Println("rendezvous - privacy-preserving mutual-matching service")
	fmt.Println()
	fmt.Println("Usage: rendezvous <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  create        create a matching pool")
	fmt.Println("  list          list pools")
	fmt.Println("  show          show a pool's detail")
	fmt.Println("  submit        submit match-token preferences to a pool")
	fmt.Println("  reveal        reveal previously committed preferences")
	fmt.Println("  matches       detect and print a pool's match result")
	fmt.Println("  close         force-close a pool (signed admin request)")
	fmt.Println("  export        export a pool's match result and participants")
	fmt.Println("  keygen        generate an agreement or signing keypair")
	fmt.Println("  derive-token  derive a match token or nullifier locally")
	fmt.Println()
	fmt.Println("Run 'rendezvous <command> -help' for flags of a specific command.")
}

func showVersion() {
	fmt.Println("rendezvous dev")
}
