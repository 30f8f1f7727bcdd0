// Package main is the entry point for the aqua CLI.
package main

import (
	"fmt"
	"os"

	"aqua/pkg/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "aqua: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a coordination error kind to the process exit code so
// scripts and agents can branch without parsing messages.
func exitCode(err error) int {
	switch protocol.KindOf(err) {
	case protocol.ErrNotInitialized:
		return 1
	case protocol.ErrNotJoined:
		return 2
	case protocol.ErrNoTask:
		return 3
	case protocol.ErrNotFound:
		return 4
	case protocol.ErrAlreadyHeld, protocol.ErrRaceLost:
		return 5
	case protocol.ErrStoreBusy, protocol.ErrCycleDetected,
		protocol.ErrStaleVersion, protocol.ErrPermissionDenied,
		protocol.ErrTimeout:
		return 10
	case protocol.ErrConfig:
		return 11
	default:
		return 1
	}
}
