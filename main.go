package main

import (
	"context"
	"errors"

	"github.com/tonimelisma/gdrive-go/internal/drive"
)

// Exit codes. A rejected precondition (the remote file changed since the
// last upload) gets its own code so scripts can tell it from other failures.
const (
	exitFailure     = 1
	exitConflict    = 3
	exitInterrupted = 130
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, drive.ErrPrecondition) {
			exitWith(err, exitConflict)
		}

		if errors.Is(err, context.Canceled) {
			exitWith(err, exitInterrupted)
		}

		exitWith(err, exitFailure)
	}
}
