package main

import (
	"os"

	"meshpay/cmd/meshpay/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
