// Package installer orchestrates the full provisioning run: verify
// access, bootstrap the freshly wiped device, reconnect, install the
// improvements stack and optionally restore saved printer state.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/projectdiscovery/gologger"

	"github.com/Jacob10383/printerup/internal/bundle"
	"github.com/Jacob10383/printerup/internal/executor"
	"github.com/Jacob10383/printerup/internal/lifecycle"
	"github.com/Jacob10383/printerup/internal/output"
)

// Step timeouts. The feature install is configurable because it
// compiles things on the device; everything else is fixed.
const (
	verifyTimeout    = 10 * time.Second
	uploadTimeout    = 5 * time.Minute
	extractTimeout   = 2 * time.Minute
	bootstrapTimeout = 10 * time.Minute
	cloneTimeout     = 5 * time.Minute

	bootstrapArchiveRemote = "/tmp/bootstrap.tar.gz"
	bootstrapScript        = "/usr/data/bootstrap/install.sh"
	improvementsDir        = "/usr/data/k2-improvements"
)

// bootstrapTokens are the phrases the bootstrap script prints right
// before it kicks the session.
var bootstrapTokens = []string{
	"ok",
	"logging you out now",
	"please reconnect",
	"you need to log back in",
}

// Runner executes remote commands.
type Runner interface {
	Run(ctx context.Context, inv executor.Invocation) (*executor.Result, error)
}

// Waiter blocks until the device is reachable again after a
// disconnecting step.
type Waiter interface {
	AwaitOnline(ctx context.Context) error
}

// Restorer puts saved printer state back on the device.
type Restorer interface {
	Restore(ctx context.Context, localRoot string) ([]bundle.Result, error)
}

// Facts gathers device information for the run log.
type Facts func(ctx context.Context, runner Runner) (map[string]any, error)

// Options selects what the run does.
type Options struct {
	// BootstrapArchive is the local tarball streamed onto the device.
	// Empty skips the bootstrap steps.
	BootstrapArchive string

	// RepoURL and Branch select the improvements repository.
	RepoURL string
	Branch  string

	// FeatureTimeout bounds the feature install step.
	FeatureTimeout time.Duration

	// RestoreBundle is a local bundle directory to restore after the
	// install. Empty skips the restore step.
	RestoreBundle string
}

// OutcomeKind classifies how a run ended.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeCancelled
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the final result of a provisioning run.
type Outcome struct {
	Kind  OutcomeKind
	Err   error
	Stats *Stats
}

// Stats holds run statistics.
type Stats struct {
	Steps     int
	OK        int
	Failed    int
	Skipped   int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the total run time.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// GetOK returns the OK count (implements output.Stats).
func (s *Stats) GetOK() int { return s.OK }

// GetFailed returns the Failed count (implements output.Stats).
func (s *Stats) GetFailed() int { return s.Failed }

// GetSkipped returns the Skipped count (implements output.Stats).
func (s *Stats) GetSkipped() int { return s.Skipped }

// GetDuration returns the duration (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Duration() }

// Installer drives a provisioning run against one device.
type Installer struct {
	host     string
	runner   Runner
	waiter   Waiter
	restorer Restorer
	facts    Facts
	out      *output.Output
}

// New creates an installer. The facts function may be nil to skip
// fact gathering.
func New(host string, runner Runner, waiter Waiter, restorer Restorer, facts Facts, out *output.Output) *Installer {
	return &Installer{
		host:     host,
		runner:   runner,
		waiter:   waiter,
		restorer: restorer,
		facts:    facts,
		out:      out,
	}
}

// Run executes the provisioning flow. The first failed step stops the
// run; later steps never execute against a device in an unknown state.
func (i *Installer) Run(ctx context.Context, opts Options) *Outcome {
	stats := &Stats{StartTime: time.Now()}
	i.out.RunStart(i.host)

	err := i.runSteps(ctx, opts, stats)

	stats.EndTime = time.Now()
	i.out.RunEnd(stats)

	switch {
	case err == nil:
		return &Outcome{Kind: OutcomeOK, Stats: stats}
	case errors.Is(err, context.Canceled):
		return &Outcome{Kind: OutcomeCancelled, Err: err, Stats: stats}
	default:
		return &Outcome{Kind: OutcomeFailed, Err: err, Stats: stats}
	}
}

type step struct {
	name string
	skip bool
	fn   func(ctx context.Context) error
}

func (i *Installer) runSteps(ctx context.Context, opts Options, stats *Stats) error {
	steps := []step{
		{name: "verify access", fn: i.verifyAccess},
		{name: "gather facts", skip: i.facts == nil, fn: i.gatherFacts},
		{name: "upload bootstrap", skip: opts.BootstrapArchive == "", fn: func(ctx context.Context) error {
			return i.uploadBootstrap(ctx, opts.BootstrapArchive)
		}},
		{name: "run bootstrap", skip: opts.BootstrapArchive == "", fn: i.runBootstrap},
		{name: "reconnect", skip: opts.BootstrapArchive == "", fn: i.waiter.AwaitOnline},
		{name: "install improvements", skip: opts.RepoURL == "", fn: func(ctx context.Context) error {
			return i.installImprovements(ctx, opts)
		}},
		{name: "restore backup", skip: opts.RestoreBundle == "", fn: func(ctx context.Context) error {
			return i.restoreBundle(ctx, opts.RestoreBundle)
		}},
	}

	stats.Steps = len(steps)
	for _, s := range steps {
		if s.skip {
			stats.Skipped++
			i.out.StepResult(s.name, output.StatusSkipped, "")
			continue
		}

		i.out.StepStart(s.name)
		if err := s.fn(ctx); err != nil {
			stats.Failed++
			i.out.StepResult(s.name, output.StatusFailed, err.Error())
			return fmt.Errorf("%s: %w", s.name, err)
		}
		stats.OK++
		i.out.StepResult(s.name, output.StatusOK, "")
	}
	return nil
}

func (i *Installer) verifyAccess(ctx context.Context) error {
	res, err := i.runner.Run(ctx, executor.Invocation{
		Command: "whoami",
		Timeout: verifyTimeout,
	})
	if err != nil {
		return err
	}
	user := strings.TrimSpace(res.StdoutText())
	if user == "" {
		return fmt.Errorf("device answered but reported no user")
	}
	gologger.Debug().Msgf("connected as %s", user)
	return nil
}

func (i *Installer) gatherFacts(ctx context.Context) error {
	facts, err := i.facts(ctx, i.runner)
	if err != nil {
		return err
	}
	for k, v := range facts {
		i.out.Debug("%s: %v", k, v)
	}
	return nil
}

// uploadBootstrap streams the local archive straight into a remote
// cat, so it works before any SFTP subsystem exists on the device.
func (i *Installer) uploadBootstrap(ctx context.Context, archive string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("opening bootstrap archive: %w", err)
	}
	defer f.Close()

	_, err = i.runner.Run(ctx, executor.Invocation{
		Command: "cat > " + bootstrapArchiveRemote,
		Timeout: uploadTimeout,
		Input:   f,
	})
	if err != nil {
		return err
	}

	_, err = i.runner.Run(ctx, executor.Invocation{
		Command: fmt.Sprintf("mkdir -p /usr/data && tar -xzf %s -C /usr/data", bootstrapArchiveRemote),
		Timeout: extractTimeout,
	})
	return err
}

// runBootstrap runs the script that replaces the device shell
// environment. It throws the session away as its last act, so the
// disconnection is part of the contract, not a failure.
func (i *Installer) runBootstrap(ctx context.Context) error {
	_, err := i.runner.Run(ctx, executor.Invocation{
		Command:          bootstrapScript,
		Timeout:          bootstrapTimeout,
		ExpectDisconnect: true,
		SuccessTokens:    bootstrapTokens,
		OnLine:           i.out.DeviceLine,
	})
	return err
}

func (i *Installer) installImprovements(ctx context.Context, opts Options) error {
	clone := fmt.Sprintf(
		"[ -d %[1]s/.git ] || git clone %[2]s %[1]s; cd %[1]s && git fetch origin && git checkout %[3]s && git pull origin %[3]s",
		improvementsDir, opts.RepoURL, opts.Branch)
	if _, err := i.runner.Run(ctx, executor.Invocation{
		Command: clone,
		Timeout: cloneTimeout,
	}); err != nil {
		return err
	}

	timeout := opts.FeatureTimeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}

	res, err := i.runner.Run(ctx, executor.Invocation{
		Command: fmt.Sprintf("cd %s && ./install.sh", improvementsDir),
		Timeout: timeout,
		OnLine: func(line string) {
			// The install is long and mostly noise; surface only the
			// per-feature progress lines.
			if strings.Contains(line, "install_feature") {
				i.out.DeviceLine(line)
			}
		},
	})
	if err != nil {
		return err
	}

	return checkInstallSummary(res.Stdout)
}

// checkInstallSummary scans the feature summary the install script
// prints at the end. A single FAILED feature fails the step even when
// the script itself exits zero.
func checkInstallSummary(lines []string) error {
	succeeded, failed := 0, 0
	var failures []string
	for _, line := range lines {
		switch {
		case strings.Contains(line, "SUCCESS"):
			succeeded++
		case strings.Contains(line, "FAILED"):
			failed++
			failures = append(failures, strings.TrimSpace(line))
		}
	}
	gologger.Info().Msgf("feature install: %d succeeded, %d failed", succeeded, failed)
	if failed > 0 {
		return fmt.Errorf("%d feature(s) failed: %s", failed, strings.Join(failures, "; "))
	}
	return nil
}

func (i *Installer) restoreBundle(ctx context.Context, root string) error {
	results, err := i.restorer.Restore(ctx, root)
	if err != nil {
		return err
	}
	for _, res := range results {
		i.out.Info("restored %s: %d file(s)", res.Component, len(res.Files))
	}
	return nil
}

var _ Waiter = (*lifecycle.Controller)(nil)
