package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGit struct {
	cloned      []string
	checkedOut  []string
	cloneErr    error
	checkoutErr error
}

func (f *fakeGit) Clone(_ context.Context, url, dest string) error {
	if f.cloneErr != nil {
		_ = os.MkdirAll(dest, 0o755)
		return f.cloneErr
	}
	f.cloned = append(f.cloned, url)
	return os.MkdirAll(dest, 0o755)
}

func (f *fakeGit) Checkout(_ context.Context, _, branch string) error {
	if f.checkoutErr != nil {
		return f.checkoutErr
	}
	f.checkedOut = append(f.checkedOut, branch)
	return nil
}

func (f *fakeGit) CurrentBranch(context.Context, string) (string, error) { return "main", nil }
func (f *fakeGit) HeadCommit(context.Context, string) (string, error)    { return "abc123", nil }

func TestCreate_EmptyWorkspace(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	p := NewProvisioner(root, &fakeGit{})

	a, err := p.Create(context.Background(), "", "")
	require.NoError(t, err)
	b, err := p.Create(context.Background(), "", "")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, filepath.IsAbs(a))
	info, err := os.Stat(a)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreate_ClonesAndChecksOut(t *testing.T) {
	g := &fakeGit{}
	p := NewProvisioner(t.TempDir(), g)

	dir, err := p.Create(context.Background(), "https://example.com/r.git", "dev")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, []string{"https://example.com/r.git"}, g.cloned)
	assert.Equal(t, []string{"dev"}, g.checkedOut)
}

func TestCreate_BranchWithoutRepo(t *testing.T) {
	p := NewProvisioner(t.TempDir(), &fakeGit{})
	_, err := p.Create(context.Background(), "", "dev")
	assert.Error(t, err)
}

func TestCreate_FailureCleansUp(t *testing.T) {
	root := t.TempDir()

	p := NewProvisioner(root, &fakeGit{cloneErr: errors.New("no access")})
	_, err := p.Create(context.Background(), "https://example.com/r.git", "")
	require.Error(t, err)

	p = NewProvisioner(root, &fakeGit{checkoutErr: errors.New("bad ref")})
	_, err = p.Create(context.Background(), "https://example.com/r.git", "nope")
	require.Error(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemove(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(root, &fakeGit{})

	dir, err := p.Create(context.Background(), "", "")
	require.NoError(t, err)
	require.NoError(t, p.Remove(dir))
	assert.NoDirExists(t, dir)

	assert.Error(t, p.Remove(root))
	assert.Error(t, p.Remove(t.TempDir()))
}
