package main

import (
	"fmt"
	"io"
	"os"
)

const usage = "usage: patchpilot <serve|run|status|config> [flags]"

func main() {
	os.Exit(RunMain(os.Args[1:], os.Stdout, os.Stderr))
}

func RunMain(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, usage)
		return 1
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:], out, errOut)
	case "run":
		return runOnce(args[1:], out, errOut)
	case "status":
		return runStatus(args[1:], out, errOut)
	case "config":
		return runConfig(args[1:], out, errOut)
	case "-h", "--help", "help":
		fmt.Fprintln(out, usage)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n", args[0])
		fmt.Fprintln(errOut, usage)
		return 1
	}
}
