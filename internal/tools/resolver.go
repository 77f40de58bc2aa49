// Package tools provides the builtin tool set: file reads and writes scoped
// to a workspace root, shell execution with per-call timeouts, and the
// transparent batch wrapper the orchestrator unwraps.
package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config scopes the builtin tools to a workspace.
type Config struct {
	// Workspace is the root directory tools may touch; empty means the
	// current directory.
	Workspace string
}

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

// pathPrefix returns the directory component used for path-scoped trust
// grants, in workspace-relative form.
func pathPrefix(root Resolver, path string) string {
	resolved, err := root.Resolve(path)
	if err != nil {
		return ""
	}
	return filepath.Dir(resolved)
}
