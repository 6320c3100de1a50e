package localcmd

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tests assume a POSIX shell")
	}
}

func TestRunCapturesOutput(t *testing.T) {
	skipOnWindows(t)
	r := New()

	res, err := r.Run(context.Background(), "echo hello; echo oops >&2")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Zero(t, res.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	r := New()

	res, err := r.Run(context.Background(), "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunArgsNoShellInterpretation(t *testing.T) {
	skipOnWindows(t)
	r := New()

	res, err := r.RunArgs(context.Background(), "echo", "$HOME is safe")
	require.NoError(t, err)
	assert.Equal(t, "$HOME is safe\n", res.Stdout)
}

func TestRunMissingBinary(t *testing.T) {
	r := New()

	_, err := r.RunArgs(context.Background(), "definitely-not-a-real-binary-xyz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute command")
}

func TestRunContextCancelled(t *testing.T) {
	skipOnWindows(t)
	r := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Run(ctx, "sleep 10")
	if err == nil {
		assert.NotZero(t, res.ExitCode)
	}
}

func TestNewKeyInstallerDefaultsPath(t *testing.T) {
	k, err := NewKeyInstaller(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "id_ed25519", filepath.Base(k.KeyPath()))
}

func TestEnsureKeySkipsExisting(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	writeFile(t, keyPath)

	k, err := NewKeyInstaller(New(), keyPath)
	require.NoError(t, err)

	// The key exists, so ssh-keygen must not run (and must not fail if
	// it is unavailable on this machine).
	require.NoError(t, k.EnsureKey(context.Background()))
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("key material"), 0o600))
}
