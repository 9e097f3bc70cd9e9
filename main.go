package main

import (
	"os"

	"sshsnap/src/cli"
)

func main() {
	os.Exit(cli.Execute())
}
