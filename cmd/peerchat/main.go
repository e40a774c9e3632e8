package main

import (
	"os"

	"github.com/NeboLoop/peerchat-go-sdk/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
