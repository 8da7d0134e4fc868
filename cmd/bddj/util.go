package main

import (
	"errors"
	"fmt"

	"github.com/avbrook/bddj/internal/coordinator"
	"github.com/avbrook/bddj/internal/hasher"
	"github.com/avbrook/bddj/internal/journal"
)

// cliError carries the exit code a failure should map to, alongside the
// underlying error — mirrors the teacher's DedupeResult{Action, Err}
// pattern of attaching a typed outcome to an error instead of inferring it
// at the top level.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func invalidArgs(format string, a ...any) error {
	return &cliError{code: exitInvalidArgs, err: fmt.Errorf(format, a...)}
}

// exitCodeFor maps a returned error to the process exit code fixed by spec
// §6.3: 0 success, 1 generic, 2 invalid arguments, 3 journal-incompatible.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	if errors.Is(err, journal.ErrJournalIncompatible) {
		return exitJournalIncompatible
	}
	if errors.Is(err, coordinator.ErrPathOutsideRoot) {
		return exitInvalidArgs
	}
	return exitGenericError
}

// parseAlgorithm maps the CLI's short algorithm names (spec §6.3) onto
// hasher.Algorithm's selector values.
func parseAlgorithm(s string) (hasher.Algorithm, error) {
	switch s {
	case "sha1":
		return hasher.SHA1, nil
	case "sha2", "sha2-256":
		return hasher.SHA2_256, nil
	case "xxh32":
		return hasher.XXH32, nil
	case "xxh64":
		return hasher.XXH64, nil
	default:
		return "", invalidArgs("unknown --hash algorithm %q (want sha1|sha2|xxh32|xxh64)", s)
	}
}
