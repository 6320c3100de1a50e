// Package executor runs single remote commands over a borrowed SSH session,
// streaming output line by line.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/projectdiscovery/gologger"
	"golang.org/x/crypto/ssh"
)

// DefaultPathPrefix is prepended to every remote command so vendor
// binaries are reachable regardless of the remote shell's default
// environment.
const DefaultPathPrefix = "export PATH=/opt/bin:/opt/sbin:/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin;"

const (
	// outputTruncateLen bounds captured output embedded in failure messages.
	outputTruncateLen = 400

	// inputChunkSize is the buffer size used when streaming input to the
	// remote command's stdin.
	inputChunkSize = 512 * 1024

	// maxLineSize bounds a single output line. Longer lines are split
	// into chunks of this size rather than dropped.
	maxLineSize = 1024 * 1024
)

// Invocation describes one remote command execution.
type Invocation struct {
	// Command is the shell command to run on the device.
	Command string

	// Timeout bounds wall-clock execution time. Zero means no timeout.
	Timeout time.Duration

	// SuccessTokens are case-insensitive substrings whose appearance in
	// any output line counts as positive confirmation when no exit code
	// is available.
	SuccessTokens []string

	// ExpectDisconnect marks commands that sever the connection as a
	// normal side effect (logout, reboot). Success is then judged by
	// signals observed before the drop.
	ExpectDisconnect bool

	// OnLine receives each complete output line as it arrives. Panics in
	// the callback are swallowed and never abort the command.
	OnLine func(line string)

	// Input is streamed to the remote command's stdin after it starts,
	// then end-of-input is signalled. A write failure is a hard failure.
	Input io.Reader
}

// Result is the outcome of one invocation.
type Result struct {
	Command string

	// Stdout and Stderr hold complete lines in arrival order per stream.
	Stdout []string
	Stderr []string

	// ExitStatus is nil when the command ended with an accepted
	// disconnection and no status was received.
	ExitStatus *int

	// TokenSeen reports whether any success token was observed.
	TokenSeen bool

	Elapsed time.Duration
}

// StdoutText returns stdout joined into one string.
func (r *Result) StdoutText() string { return strings.Join(r.Stdout, "\n") }

// StderrText returns stderr joined into one string.
func (r *Result) StderrText() string { return strings.Join(r.Stderr, "\n") }

// ExecError reports a remote command that failed to run to an accepted
// completion.
type ExecError struct {
	Command string

	// Reason overrides the default exit-status message when set.
	Reason string

	// ExitStatus is nil when no status was received before the failure.
	ExitStatus *int

	// Stdout and Stderr are truncated captures for diagnostics.
	Stdout string
	Stderr string

	// Err is the underlying transport cause, if any.
	Err error
}

func (e *ExecError) Error() string {
	if e.Reason != "" {
		msg := fmt.Sprintf("%s: %s", e.Reason, e.Command)
		if e.Err != nil {
			msg += fmt.Sprintf(": %v", e.Err)
		}
		return msg
	}

	status := "unknown"
	if e.ExitStatus != nil {
		status = fmt.Sprintf("%d", *e.ExitStatus)
	}
	parts := []string{fmt.Sprintf("remote command failed with exit status %s: %s", status, e.Command)}
	if e.Stdout != "" {
		parts = append(parts, "STDOUT: "+e.Stdout)
	}
	if e.Stderr != "" {
		parts = append(parts, "STDERR: "+e.Stderr)
	}
	return strings.Join(parts, " | ")
}

func (e *ExecError) Unwrap() error { return e.Err }

// TimeoutError reports an invocation that exceeded its allotted time.
// A timeout is always a hard failure, even for disconnect-expected
// invocations.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote command timed out after %s: %s", e.Timeout, e.Command)
}

// Channel is the subset of *ssh.Session the execution loop drives. One
// invocation opens one channel; channels are never reused.
type Channel interface {
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

// Session hands out command channels bound to one live connection. The
// executor closes the session when the transport is poisoned so the next
// call is forced to reconnect.
type Session interface {
	OpenChannel(ctx context.Context) (Channel, error)
	Close() error
}

// Executor runs one invocation at a time over a borrowed session.
type Executor struct {
	session Session

	// PathPrefix is prepended to every command. Defaults to
	// DefaultPathPrefix.
	PathPrefix string
}

// New creates an executor over the given session.
func New(sess Session) *Executor {
	return &Executor{
		session:    sess,
		PathPrefix: DefaultPathPrefix,
	}
}

// streamLine tags a complete output line with its stream of origin.
type streamLine struct {
	stderr bool
	text   string
}

// Run executes one invocation to completion or to an accepted
// disconnection.
func (e *Executor) Run(ctx context.Context, inv Invocation) (*Result, error) {
	ch, err := e.session.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	full := strings.TrimSpace(e.PathPrefix + " " + inv.Command)
	gologger.Debug().Msgf("remote exec: %s", full)

	var stdin io.WriteCloser
	if inv.Input != nil {
		stdin, err = ch.StdinPipe()
		if err != nil {
			_ = e.session.Close()
			return nil, &ExecError{Command: inv.Command, Reason: "failed to open input stream for remote command", Err: err}
		}
	}

	stdout, err := ch.StdoutPipe()
	if err != nil {
		_ = e.session.Close()
		return nil, &ExecError{Command: inv.Command, Reason: "failed to open output stream for remote command", Err: err}
	}
	stderr, err := ch.StderrPipe()
	if err != nil {
		_ = e.session.Close()
		return nil, &ExecError{Command: inv.Command, Reason: "failed to open error stream for remote command", Err: err}
	}

	start := time.Now()
	if err := ch.Start(full); err != nil {
		_ = e.session.Close()
		return nil, &ExecError{Command: inv.Command, Reason: "failed to start remote command", Err: err}
	}

	if inv.Input != nil {
		if err := streamInput(stdin, inv.Input); err != nil {
			_ = ch.Close()
			_ = e.session.Close()
			return nil, &ExecError{Command: inv.Command, Reason: "failed while streaming input to remote command", Err: err}
		}
	}

	lines := make(chan streamLine, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go scanStream(stdout, false, lines, &wg)
	go scanStream(stderr, true, lines, &wg)
	go func() {
		wg.Wait()
		close(lines)
	}()

	// One invocation, one terminal value.
	waitCh := make(chan error, 1)
	go func() { waitCh <- ch.Wait() }()

	var timeoutCh <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	res := &Result{Command: inv.Command}
	var waitErr error
	waitDone := false

	for lines != nil || !waitDone {
		select {
		case ln, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			e.recordLine(res, inv, ln)

		case waitErr = <-waitCh:
			waitDone = true
			waitCh = nil

		case <-timeoutCh:
			_ = ch.Close()
			go drainLines(lines)
			return nil, &TimeoutError{Command: inv.Command, Timeout: inv.Timeout}

		case <-ctx.Done():
			_ = ch.Close()
			go drainLines(lines)
			return nil, ctx.Err()
		}
	}

	res.Elapsed = time.Since(start)

	status, dropped := classifyWait(waitErr)

	if dropped {
		// The transport vanished mid-command. Poisoned connection: close
		// it so the next call reconnects.
		_ = e.session.Close()
		if inv.ExpectDisconnect {
			// No adverse exit status was observed before the drop.
			res.ExitStatus = nil
			return res, nil
		}
		return nil, &ExecError{
			Command: inv.Command,
			Reason:  "remote command failed during execution",
			Stdout:  truncateOutput(res.StdoutText()),
			Stderr:  truncateOutput(res.StderrText()),
			Err:     waitErr,
		}
	}

	if inv.ExpectDisconnect {
		if status == nil || *status == 0 || res.TokenSeen {
			res.ExitStatus = nil
			return res, nil
		}
		return nil, e.failure(inv, status, res)
	}

	if status == nil || *status != 0 {
		return nil, e.failure(inv, status, res)
	}

	res.ExitStatus = status
	return res, nil
}

// recordLine appends a line to the result, checks success tokens, and
// forwards it to the callback.
func (e *Executor) recordLine(res *Result, inv Invocation, ln streamLine) {
	if ln.stderr {
		res.Stderr = append(res.Stderr, ln.text)
		gologger.Debug().Msgf("remote stderr: %s", ln.text)
	} else {
		res.Stdout = append(res.Stdout, ln.text)
		gologger.Debug().Msgf("remote stdout: %s", ln.text)
	}

	if !res.TokenSeen && len(inv.SuccessTokens) > 0 {
		lower := strings.ToLower(ln.text)
		for _, token := range inv.SuccessTokens {
			if strings.Contains(lower, strings.ToLower(token)) {
				res.TokenSeen = true
				break
			}
		}
	}

	if inv.OnLine != nil {
		emitLine(inv.OnLine, ln.text)
	}
}

// failure builds the hard-failure error for a completed command.
func (e *Executor) failure(inv Invocation, status *int, res *Result) *ExecError {
	execErr := &ExecError{
		Command:    inv.Command,
		ExitStatus: status,
		Stdout:     truncateOutput(res.StdoutText()),
		Stderr:     truncateOutput(res.StderrText()),
	}
	gologger.Error().Msgf("%s", execErr.Error())
	return execErr
}

// streamInput copies the input to the remote stdin in chunks and signals
// end-of-input.
func streamInput(stdin io.WriteCloser, input io.Reader) error {
	buf := make([]byte, inputChunkSize)
	_, err := io.CopyBuffer(stdin, input, buf)
	if closeErr := stdin.Close(); err == nil {
		err = closeErr
	}
	return err
}

// scanStream emits complete lines from one stream in arrival order.
// Trailing carriage returns are stripped; a residual partial line at
// stream end is flushed as a final line. Lines longer than maxLineSize
// are emitted as maxLineSize chunks so the stream keeps flowing.
func scanStream(r io.Reader, stderr bool, lines chan<- streamLine, wg *sync.WaitGroup) {
	defer wg.Done()

	br := bufio.NewReaderSize(r, 64*1024)
	var pending []byte
	for {
		chunk, err := br.ReadSlice('\n')
		pending = append(pending, chunk...)
		switch {
		case err == nil:
			lines <- streamLine{stderr: stderr, text: string(trimLineEnding(pending))}
			pending = pending[:0]
		case err == bufio.ErrBufferFull:
			if len(pending) >= maxLineSize {
				lines <- streamLine{stderr: stderr, text: string(pending[:maxLineSize])}
				pending = append(pending[:0], pending[maxLineSize:]...)
			}
		default:
			if len(pending) > 0 {
				lines <- streamLine{stderr: stderr, text: string(trimLineEnding(pending))}
			}
			// A read error other than EOF means the transport dropped;
			// Wait reports it.
			return
		}
	}
}

// trimLineEnding strips a trailing LF and an optional CR before it.
func trimLineEnding(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

// drainLines unblocks the scanner goroutines after an early exit.
func drainLines(lines <-chan streamLine) {
	for range lines {
	}
}

// emitLine forwards a line to the callback, swallowing panics so a
// misbehaving observer never aborts the command.
func emitLine(onLine func(string), text string) {
	defer func() {
		if r := recover(); r != nil {
			gologger.Debug().Msgf("line callback panicked: %v", r)
		}
	}()
	onLine(text)
}

// classifyWait maps the channel's Wait error to an exit status. dropped
// is true when the transport failed rather than the remote process.
func classifyWait(err error) (status *int, dropped bool) {
	if err == nil {
		zero := 0
		return &zero, false
	}

	// *ssh.ExitError and test doubles expose the remote status this way.
	if exitErr, ok := err.(interface{ ExitStatus() int }); ok {
		code := exitErr.ExitStatus()
		return &code, false
	}

	// The remote side exited without reporting a status; the channel
	// itself closed cleanly.
	if _, ok := err.(*ssh.ExitMissingError); ok {
		return nil, false
	}

	return nil, true
}

// truncateOutput trims captured output for inclusion in failure messages.
func truncateOutput(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > outputTruncateLen {
		return text[:outputTruncateLen] + "... [truncated]"
	}
	return text
}
