package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runRefine(os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
	case "status":
		os.Exit(runStatus(os.Args[2:], os.Stdout, os.Stderr))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  refiner run [--config <run.yaml>] [--logs-root <dir>] [--env-file <file>] [--auto-approve]")
	fmt.Fprintln(os.Stderr, "  refiner status --logs-root <run_dir> [--json]")
	fmt.Fprintln(os.Stderr, "  refiner status --latest [--runs-root <dir>] [--json]")
}
