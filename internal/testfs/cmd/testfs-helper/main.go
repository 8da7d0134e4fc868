//go:build linux

// testfs-helper is a binary helper for E2E tests that runs inside containers.
//
//	testfs-helper sow  - Create filesystem from JSON spec (stdin)
//
// This is a thin wrapper around the testfs package's sowing functions;
// verification is done from the host side by running bddj itself and
// decoding its journal/output, not by a filesystem-state reap here.
package main

import (
	"fmt"
	"os"

	"github.com/avbrook/bddj/internal/testfs"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "sow" {
		fatalf("usage: testfs-helper sow")
	}
	cmdSow()
}

// cmdSow reads a FileTree JSON from stdin and creates the filesystem.
func cmdSow() {
	// Root is "/" since we're in a container with actual tmpfs mounts
	if err := testfs.SowFromReader(os.Stdin, "/"); err != nil {
		fatalf("sow: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "testfs-helper: "+format+"\n", args...)
	os.Exit(1)
}
