// Package support holds the godog step definitions for the CLI features.
package support

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/ctcbeam/internal/testutil"
)

// TestContext holds the state for integration tests.
type TestContext struct {
	// Command execution state
	LastCommand  string
	LastOutput   string
	LastError    error
	LastExitCode int

	// Test environment
	WorkingDir string
	TempDir    string
	BinaryPath string

	// Test artifacts
	ProbsFile string
}

// NewTestContext creates a new test context rooted at the project directory.
func NewTestContext() (*TestContext, error) {
	root, err := testutil.GetProjectRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to find project root: %w", err)
	}

	tempDir, err := os.MkdirTemp("", "ctcbeam-cli-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	return &TestContext{
		WorkingDir: root,
		TempDir:    tempDir,
		BinaryPath: filepath.Join(root, "bin", "ctcbeam"),
	}, nil
}

// Cleanup removes scenario artifacts.
func (testCtx *TestContext) Cleanup() error {
	if testCtx.TempDir != "" {
		return os.RemoveAll(testCtx.TempDir)
	}
	return nil
}
