// Package lifecycle drives a device factory reset across the reboot
// boundary: issue the wipe, wait out the reboot, poll until the device
// answers again.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/projectdiscovery/gologger"

	"github.com/Jacob10383/printerup/internal/executor"
)

// State of the reset lifecycle.
type State int

const (
	Idle State = iota
	ResetIssued
	Rebooting
	Polling
	Online
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ResetIssued:
		return "reset-issued"
	case Rebooting:
		return "rebooting"
	case Polling:
		return "polling"
	case Online:
		return "online"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the connection surface the controller drives across the
// reboot boundary.
type Session interface {
	Connect(ctx context.Context, force bool) error
	Close() error
	PortOpen(timeout time.Duration) bool
}

// Runner executes remote commands.
type Runner interface {
	Run(ctx context.Context, inv executor.Invocation) (*executor.Result, error)
}

// Config tunes the reset command and the reconnection polling loop.
// Zero values take the defaults below.
type Config struct {
	// ResetCommand triggers the factory wipe on the device.
	ResetCommand string

	// ResetTimeout bounds the wipe acknowledgement.
	ResetTimeout time.Duration

	// AckTokens confirm the wipe was accepted before the connection
	// drops.
	AckTokens []string

	// RebootGrace is how long to wait before probing, so a not-yet-down
	// device is not mistaken for a recovered one.
	RebootGrace time.Duration

	// PollInterval spaces reconnection attempts.
	PollInterval time.Duration

	// ProbeTimeout bounds the TCP pre-check per attempt.
	ProbeTimeout time.Duration

	// EchoCommand and EchoMarker verify the device actually answers,
	// not merely that its port accepts connections.
	EchoCommand string
	EchoMarker  string
	EchoTimeout time.Duration

	// MaxWait bounds the whole polling loop. Zero polls until the
	// context is cancelled.
	MaxWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.ResetCommand == "" {
		c.ResetCommand = `echo "all" | /usr/bin/nc -U /var/run/wipe.sock`
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 2 * time.Minute
	}
	if len(c.AckTokens) == 0 {
		c.AckTokens = []string{"ok"}
	}
	if c.RebootGrace == 0 {
		c.RebootGrace = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.EchoCommand == "" {
		c.EchoCommand = "echo online"
	}
	if c.EchoMarker == "" {
		c.EchoMarker = "online"
	}
	if c.EchoTimeout == 0 {
		c.EchoTimeout = 5 * time.Second
	}
	return c
}

// Controller owns one reset operation at a time.
type Controller struct {
	session Session
	runner  Runner
	cfg     Config

	mu    sync.Mutex
	state State
}

// NewController creates a controller over the given session and runner.
func NewController(sess Session, runner Runner, cfg Config) *Controller {
	return &Controller{
		session: sess,
		runner:  runner,
		cfg:     cfg.withDefaults(),
		state:   Idle,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	gologger.Debug().Msgf("reset lifecycle: %s", s)
}

// Reset issues the factory wipe and blocks until the device is back
// online or the wait budget is exhausted.
func (c *Controller) Reset(ctx context.Context) error {
	c.setState(ResetIssued)

	// The wipe drops the connection as a normal side effect. A failure
	// here is fatal: a partially-issued reset is never retried.
	_, err := c.runner.Run(ctx, executor.Invocation{
		Command:          c.cfg.ResetCommand,
		Timeout:          c.cfg.ResetTimeout,
		ExpectDisconnect: true,
		SuccessTokens:    c.cfg.AckTokens,
	})
	if err != nil {
		c.setState(Failed)
		return fmt.Errorf("factory reset command failed: %w", err)
	}

	c.setState(Rebooting)
	gologger.Info().Msgf("reset acknowledged; waiting %s for the device to reboot", c.cfg.RebootGrace)
	if err := sleepCtx(ctx, c.cfg.RebootGrace); err != nil {
		c.setState(Failed)
		return err
	}

	_ = c.session.Close()
	return c.AwaitOnline(ctx)
}

// AwaitOnline polls until the device accepts a connection and answers
// the echo, or the wait budget runs out. It is also used on its own
// after operations that reboot the device without a wipe.
func (c *Controller) AwaitOnline(ctx context.Context) error {
	c.setState(Polling)

	start := time.Now()
	var deadline <-chan time.Time
	if c.cfg.MaxWait > 0 {
		timer := time.NewTimer(c.cfg.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			c.setState(Failed)
			return ctx.Err()
		case <-deadline:
			c.setState(Failed)
			return fmt.Errorf("device did not come back online within %s", c.cfg.MaxWait)
		case <-time.After(c.cfg.PollInterval):
		}

		if !c.session.PortOpen(c.cfg.ProbeTimeout) {
			continue
		}

		if c.tryEcho(ctx) {
			c.setState(Online)
			gologger.Info().Msgf("device back online after %s", time.Since(start).Round(time.Second))
			return nil
		}
	}
}

// tryEcho forces a brand-new session past any cached connection and
// verifies the device answers with the expected marker. Any failure
// means "not ready yet", never a hard error.
func (c *Controller) tryEcho(ctx context.Context) bool {
	if err := c.session.Connect(ctx, true); err != nil {
		_ = c.session.Close()
		return false
	}

	res, err := c.runner.Run(ctx, executor.Invocation{
		Command: c.cfg.EchoCommand,
		Timeout: c.cfg.EchoTimeout,
	})
	if err != nil {
		_ = c.session.Close()
		return false
	}

	return strings.Contains(res.StdoutText(), c.cfg.EchoMarker)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
