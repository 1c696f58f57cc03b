package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Client defines the git operations used to seed session workspaces.
type Client interface {
	Clone(ctx context.Context, url, dest string) error
	Checkout(ctx context.Context, path, branch string) error
	CurrentBranch(ctx context.Context, path string) (string, error)
	HeadCommit(ctx context.Context, path string) (string, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := args
	if path != "" {
		fullArgs = append([]string{"-C", path}, args...)
	}
	cmd := exec.CommandContext(ctx, "git", fullArgs...)
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Clone clones url into dest, which must not exist or be empty.
func (c *RealClient) Clone(ctx context.Context, url, dest string) error {
	_, err := gitCmd(ctx, "", "clone", "--quiet", url, dest)
	return err
}

// Checkout switches path to branch. A branch that exists only on origin is
// tracked; a branch that exists nowhere is created from HEAD.
func (c *RealClient) Checkout(ctx context.Context, path, branch string) error {
	if _, err := gitCmd(ctx, path, "checkout", "--quiet", branch); err == nil {
		return nil
	}
	_, err := gitCmd(ctx, path, "checkout", "--quiet", "-b", branch)
	return err
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) HeadCommit(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--short", "HEAD")
}

// ExtractOwnerRepo parses a remote URL and returns owner/repo.
func ExtractOwnerRepo(remoteURL string) (owner, repo string, err error) {
	// Handle SSH: git@host:owner/repo.git
	if strings.HasPrefix(remoteURL, "git@") {
		parts := strings.SplitN(remoteURL, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("cannot parse SSH remote: %s", remoteURL)
		}
		path := strings.TrimSuffix(parts[1], ".git")
		segments := strings.SplitN(path, "/", 2)
		if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
			return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
		}
		return segments[0], segments[1], nil
	}

	// Handle HTTP(S): https://host/owner/repo.git
	trimmed := strings.TrimSuffix(remoteURL, ".git")
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(trimmed, scheme) {
			rest := strings.TrimPrefix(trimmed, scheme)
			if i := strings.Index(rest, "/"); i >= 0 {
				trimmed = rest[i+1:]
			} else {
				trimmed = ""
			}
			break
		}
	}
	segments := strings.SplitN(trimmed, "/", 2)
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
	}
	return segments[0], segments[1], nil
}

// RepoLabel returns "owner/repo" for display, or the URL unchanged when it
// cannot be parsed.
func RepoLabel(remoteURL string) string {
	owner, repo, err := ExtractOwnerRepo(remoteURL)
	if err != nil {
		return remoteURL
	}
	return owner + "/" + repo
}
