package main

import (
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	cmd := "tui"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "tui":
		err = runTUI(args)
	case "watch":
		err = runWatch(args)
	case "agents":
		err = runAgents(args)
	case "approvals":
		err = runApprovals(args)
	case "history":
		err = runHistory(args)
	case "init":
		err = runInit(args)
	case "version":
		err = runVersion(args)
	case "help", "-h", "--help":
		printRootUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		printRootUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
