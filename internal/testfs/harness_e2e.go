//go:build e2e

package testfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/docker/docker/api/types/container"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

const (
	// baseImage is the Docker image used for E2E tests.
	baseImage = "alpine:3.21"

	// Binary names and paths inside container.
	binaryName       = "bddj"
	helperBinaryName = "testfs-helper"
	binaryPath       = "/tmp/" + binaryName
	helperBinaryPath = "/tmp/" + helperBinaryName
)

// -----------------------------------------------------------------------------
// Harness - Public API
// -----------------------------------------------------------------------------

// Harness provides E2E test infrastructure using Docker containers.
//
// Usage:
//
//	given := testfs.FileTree{
//	    Volumes: []Volume{
//	        {MountPoint: "/data", Files: []File{{Path: []string{"a.txt"}, Chunks: []Chunk{{Pattern: 'A', Size: "1KiB"}}}}},
//	    },
//	}
//	h := testfs.New(t, given)
//	h.RunBddj("build", "-o", "/tmp/j.ndjson", "/data")
//	journal, _ := h.ReadFile("/tmp/j.ndjson")
type Harness struct {
	t          *testing.T
	ctx        context.Context
	given      FileTree
	container  *Container
	lastResult *RunResult
}

// New creates a new Harness with the given FileTree specification.
//
// The harness:
//  1. Starts a Docker container with tmpfs volumes for each Volume in the spec
//  2. Bind-mounts pre-built bddj binaries into the container
//  3. Creates files and symlinks according to the spec
//
// Requires the BDDJ_E2E_BINDIR env var: the host directory holding the
// pre-built bddj and testfs-helper binaries.
// The container is automatically cleaned up when the test finishes via t.Cleanup().
func New(t *testing.T, given FileTree) *Harness {
	t.Helper()

	ctx := context.Background()
	h := &Harness{
		t:     t,
		ctx:   ctx,
		given: given,
	}

	cfg, hostCfg, err := h.buildContainerConfig()
	if err != nil {
		t.Fatalf("failed to build container config: %v", err)
	}

	c, err := NewContainer(ctx, cfg, hostCfg)
	if err != nil {
		t.Fatalf("failed to create container: %v", err)
	}
	h.container = c

	t.Cleanup(func() {
		h.Cleanup()
	})

	if err := h.sowFileTree(); err != nil {
		t.Fatalf("failed to setup files: %v", err)
	}

	return h
}

// RunBddj executes the bddj binary inside the container with the given
// arguments and blocks until it exits.
func (h *Harness) RunBddj(args ...string) *RunResult {
	h.t.Helper()

	cmd := append([]string{binaryPath}, args...)
	stdout, stderr, exitCode, err := h.container.Run(h.ctx, cmd, nil)
	if err != nil {
		h.t.Fatalf("failed to run bddj: %v", err)
	}

	h.lastResult = &RunResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
	return h.lastResult
}

// RunBddjDetached starts the bddj binary inside the container in the
// background and returns immediately, without waiting for it to exit. Used
// to exercise interrupted-build resumption: the caller kills the process
// mid-run via Kill, then calls RunBddj again to resume over the partial
// journal.
func (h *Harness) RunBddjDetached(args ...string) {
	h.t.Helper()

	cmd := append([]string{binaryPath}, args...)
	if err := h.container.RunDetached(h.ctx, cmd); err != nil {
		h.t.Fatalf("failed to start bddj detached: %v", err)
	}
}

// Kill sends SIGKILL to every process named name running inside the
// container.
func (h *Harness) Kill(name string) {
	h.t.Helper()

	_, stderr, exitCode, err := h.container.Run(h.ctx, []string{"pkill", "-9", name}, nil)
	if err != nil {
		h.t.Fatalf("failed to run pkill: %v", err)
	}
	// exit code 1 means pkill found no matching process, which is a race
	// against the detached process starting up rather than a harness bug.
	if exitCode > 1 {
		h.t.Fatalf("pkill -9 %s failed (exit %d): %s", name, exitCode, stderr)
	}
}

// ReadFile returns the contents of path inside the container.
func (h *Harness) ReadFile(path string) ([]byte, error) {
	h.t.Helper()

	stdout, stderr, exitCode, err := h.container.Run(h.ctx, []string{"cat", path}, nil)
	if err != nil {
		return nil, fmt.Errorf("run cat: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("cat %s failed (exit %d): %s", path, exitCode, stderr)
	}
	return []byte(stdout), nil
}

// LastResult returns the RunResult of the most recent RunBddj call.
func (h *Harness) LastResult() *RunResult {
	return h.lastResult
}

// Cleanup terminates the container and releases resources.
func (h *Harness) Cleanup() {
	if h.container != nil {
		_ = h.container.Close(h.ctx)
		h.container = nil
	}
}

// -----------------------------------------------------------------------------
// Container Configuration
// -----------------------------------------------------------------------------

// buildContainerConfig creates Docker container and host configs for E2E tests.
func (h *Harness) buildContainerConfig() (*container.Config, *container.HostConfig, error) {
	binDir := os.Getenv("BDDJ_E2E_BINDIR")
	if binDir == "" {
		return nil, nil, fmt.Errorf("BDDJ_E2E_BINDIR not set - point it at the directory holding the bddj and testfs-helper binaries")
	}

	mountPaths := make([]string, len(h.given.Volumes))
	for i, v := range h.given.Volumes {
		mountPaths[i] = v.MountPoint
	}

	// Sort mount paths so parents come before children.
	sort.Strings(mountPaths)

	tmpfs := make(map[string]string)
	for _, path := range mountPaths {
		tmpfs[path] = "size=100m"
	}

	binds := []string{
		fmt.Sprintf("%s:%s:ro", filepath.Join(binDir, binaryName), binaryPath),
		fmt.Sprintf("%s:%s:ro", filepath.Join(binDir, helperBinaryName), helperBinaryPath),
	}

	cfg := &container.Config{
		Image: baseImage,
		Cmd:   []string{"sleep", "infinity"},
	}

	hostCfg := &container.HostConfig{
		Binds:      binds,
		Tmpfs:      tmpfs,
		AutoRemove: true,
	}

	return cfg, hostCfg, nil
}

// -----------------------------------------------------------------------------
// FileTree Operations
// -----------------------------------------------------------------------------

// sowFileTree creates filesystem from FileTree spec using testfs-helper.
func (h *Harness) sowFileTree() error {
	specJSON, err := json.Marshal(h.given)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}

	cmd := []string{helperBinaryPath, "sow"}
	stdout, stderr, exitCode, err := h.container.Run(h.ctx, cmd, specJSON)
	if err != nil {
		return fmt.Errorf("run sow: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("sow failed (exit %d): %s%s", exitCode, stdout, stderr)
	}
	return nil
}
