package main

import (
	"os"

	"taskly/cmd/taskly/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, nil))
}
