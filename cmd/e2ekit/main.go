// Command e2ekit plans end-to-end pipelines and manages the cleanups their
// runs leave behind.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitPending = 2
	exitInvalid = 3
)

// errPending is returned when a retry leaves resources behind.
var errPending = errors.New("some failed cleanups are still pending")

func main() {
	root := newRootCmd(os.Getenv)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errPending):
		return exitPending
	case schema.IsCode(err, schema.ErrCodeValidation), schema.IsCode(err, schema.ErrCodeDependencyCycle):
		return exitInvalid
	}
	return exitError
}
