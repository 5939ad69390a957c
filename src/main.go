package main

import (
	"os"

	"docbatch/src/cli"
)

// main hands the arguments to the cli package and exits with its return code.
func main() {
	config := cli.NewCliConfig()
	rc, _ := cli.Cli(os.Args[1:], config)
	os.Exit(rc)
}
