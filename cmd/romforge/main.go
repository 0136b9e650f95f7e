package main

import (
	"os"

	"github.com/javi11/romforge/cmd/romforge/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
