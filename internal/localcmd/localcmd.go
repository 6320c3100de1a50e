// Package localcmd executes commands on the operator's machine, used
// for SSH key generation and installation onto the device.
package localcmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/projectdiscovery/gologger"
)

// Result holds the output from a local command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands locally through a shell.
type Runner struct {
	shell     string
	shellArgs []string
}

// New creates a runner with the platform default shell.
func New() *Runner {
	r := &Runner{}
	switch runtime.GOOS {
	case "windows":
		r.shell = "cmd"
		r.shellArgs = []string{"/C"}
	default:
		r.shell = "/bin/sh"
		r.shellArgs = []string{"-c"}
	}
	return r
}

// Run executes a shell command and returns its output. A non-zero
// exit is reported in the result, not as an error.
func (r *Runner) Run(ctx context.Context, cmd string) (*Result, error) {
	args := append(r.shellArgs, cmd)
	return run(exec.CommandContext(ctx, r.shell, args...))
}

// RunArgs executes a command directly without shell interpretation,
// for arguments that must not be re-parsed (passwords, paths with
// spaces).
func (r *Runner) RunArgs(ctx context.Context, name string, args ...string) (*Result, error) {
	return run(exec.CommandContext(ctx, name, args...))
}

func run(cmd *exec.Cmd) (*Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	gologger.Debug().Msgf("local: %s", cmd.Path)
	err := cmd.Run()

	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
	}

	return result, nil
}

// KeyInstaller generates a local SSH key pair and installs the public
// key on a device so later sessions skip password prompts.
type KeyInstaller struct {
	runner  *Runner
	keyPath string
}

// NewKeyInstaller creates an installer for the given private key path.
// Empty selects ~/.ssh/id_ed25519.
func NewKeyInstaller(runner *Runner, keyPath string) (*KeyInstaller, error) {
	if keyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot locate home directory: %w", err)
		}
		keyPath = filepath.Join(home, ".ssh", "id_ed25519")
	}
	return &KeyInstaller{runner: runner, keyPath: keyPath}, nil
}

// KeyPath returns the private key location.
func (k *KeyInstaller) KeyPath() string { return k.keyPath }

// EnsureKey generates an ed25519 key pair if none exists yet.
func (k *KeyInstaller) EnsureKey(ctx context.Context) error {
	if _, err := os.Stat(k.keyPath); err == nil {
		gologger.Debug().Msgf("key %s already exists", k.keyPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(k.keyPath), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	res, err := k.runner.RunArgs(ctx, "ssh-keygen",
		"-t", "ed25519", "-N", "", "-f", k.keyPath)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ssh-keygen exited with status %d: %s", res.ExitCode, res.Stderr)
	}
	gologger.Info().Msgf("generated new key at %s", k.keyPath)
	return nil
}

// CopyTo installs the public key on the device using the password for
// this one bootstrap step.
func (k *KeyInstaller) CopyTo(ctx context.Context, host string, port int, user, password string) error {
	target := fmt.Sprintf("%s@%s", user, host)
	res, err := k.runner.RunArgs(ctx, "sshpass", "-p", password,
		"ssh-copy-id",
		"-i", k.keyPath+".pub",
		"-p", strconv.Itoa(port),
		"-o", "StrictHostKeyChecking=no",
		target)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ssh-copy-id to %s exited with status %d: %s", target, res.ExitCode, res.Stderr)
	}
	gologger.Info().Msgf("installed public key on %s", target)
	return nil
}
