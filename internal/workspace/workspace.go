// Package workspace provisions isolated working directories for runs.
package workspace

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/agentd/internal/git"
)

// Provisioner creates one directory per session under Root.
type Provisioner struct {
	Root string
	Git  git.Client
}

// NewProvisioner returns a Provisioner rooted at root.
func NewProvisioner(root string, g git.Client) *Provisioner {
	if g == nil {
		g = git.NewClient()
	}
	return &Provisioner{Root: root, Git: g}
}

// newID generates a lowercase ULID, which sorts by creation time.
func newID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

// Create makes a fresh workspace directory and returns its absolute path.
// When repo is set the directory is a clone of it, switched to branch if one
// is given. A failed clone or checkout leaves nothing behind.
func (p *Provisioner) Create(ctx context.Context, repo, branch string) (string, error) {
	if branch != "" && repo == "" {
		return "", fmt.Errorf("branch %q given without a repo", branch)
	}
	root, err := filepath.Abs(p.Root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create workspace root: %w", err)
	}

	dir := filepath.Join(root, newID())
	if repo == "" {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return "", fmt.Errorf("create workspace: %w", err)
		}
		return dir, nil
	}

	if err := p.Git.Clone(ctx, repo, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("clone %s: %w", repo, err)
	}
	if branch != "" {
		if err := p.Git.Checkout(ctx, dir, branch); err != nil {
			_ = os.RemoveAll(dir)
			return "", fmt.Errorf("checkout %s: %w", branch, err)
		}
	}
	return dir, nil
}

// Remove deletes a workspace directory. Paths outside Root are refused.
func (p *Provisioner) Remove(path string) error {
	root, err := filepath.Abs(p.Root)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%s is not inside workspace root %s", path, root)
	}
	return os.RemoveAll(abs)
}
