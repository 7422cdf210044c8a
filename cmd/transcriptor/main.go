// Package main provides the transcriptor relay and its streaming client.
//
// Usage:
//
//	transcriptor serve [flags]
//	transcriptor stream [flags] <file.wav>
//
// Configuration is read from the environment (see internal/config); flags
// override the environment.
package main

import (
	"fmt"
	"os"

	"github.com/Abdulkhalek-1/realtime-transcriptor/cmd/transcriptor/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
