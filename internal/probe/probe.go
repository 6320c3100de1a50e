// Package probe offers a cheap reachability check that can run ahead
// of the real connection attempt, so the operator learns early whether
// the device address is even routable.
package probe

import (
	"fmt"
	"net"
	"time"

	"github.com/projectdiscovery/gologger"
)

// Status is the outcome of one reachability check. The probe is
// advisory: a failed check is reported, never acted on.
type Status struct {
	Checked   bool
	Connected bool
	Message   string
}

// Probe checks whether a TCP endpoint accepts connections.
type Probe struct {
	addr    string
	timeout time.Duration
	results chan Status
}

// New creates a probe for host:port. A zero timeout defaults to two
// seconds per attempt.
func New(host string, port int, timeout time.Duration) *Probe {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &Probe{
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		timeout: timeout,
		results: make(chan Status, 1),
	}
}

// Start kicks off a single background check. The result is buffered so
// the goroutine never blocks on a caller that lost interest.
func (p *Probe) Start() {
	go func() {
		p.results <- p.check()
	}()
}

// Wait blocks for the background result up to the given duration. If
// the check has not finished in time, Wait reports an unchecked status
// rather than stalling the caller.
func (p *Probe) Wait(d time.Duration) Status {
	select {
	case st := <-p.results:
		return st
	case <-time.After(d):
		return Status{Message: fmt.Sprintf("reachability check still running after %s", d)}
	}
}

func (p *Probe) check() Status {
	conn, err := net.DialTimeout("tcp", p.addr, p.timeout)
	if err != nil {
		gologger.Debug().Msgf("probe %s: %s", p.addr, err)
		return Status{
			Checked: true,
			Message: fmt.Sprintf("%s is not reachable: %s", p.addr, err),
		}
	}
	_ = conn.Close()
	return Status{
		Checked:   true,
		Connected: true,
		Message:   fmt.Sprintf("%s is reachable", p.addr),
	}
}
