package main

import (
	"github.com/sanonone/flockstore/cmd/flockstore/commands"
)

func main() {
	commands.Execute()
}
