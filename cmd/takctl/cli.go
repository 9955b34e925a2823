package main

import (
	"fmt"
	"os"
	"path/filepath"
)

func run(args []string) int {
	if len(args) < 2 {
		usage(args)
		return 1
	}

	switch args[1] {
	case "ca":
		if len(args) >= 3 && args[2] == "init" {
			return runCAInit(args[3:])
		}
	case "account":
		if len(args) >= 3 && args[2] == "create" {
			return runAccountCreate(args[3:])
		}
	case "package":
		if len(args) >= 3 && args[2] == "build" {
			return runPackageBuild(args[3:])
		}
	}

	usage(args)
	return 1
}

func usage(args []string) {
	name := "takctl"
	if len(args) > 0 && args[0] != "" {
		name = filepath.Base(args[0])
	}
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  %s ca init\n", name)
	fmt.Fprintf(os.Stderr, "  %s account create --username <name> --password <password> [--admin]\n", name)
	fmt.Fprintf(os.Stderr, "  %s package build --cn <common name> --server <host> [--out <file>]\n", name)
}
