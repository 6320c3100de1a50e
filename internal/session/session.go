// Package session owns the SSH connection lifecycle for one device.
package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/projectdiscovery/gologger"
	"golang.org/x/crypto/ssh"
)

// Defaults match what the printer's stock firmware tolerates.
const (
	DefaultPort              = 22
	DefaultUser              = "root"
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultConnectTimeout    = 15 * time.Second
)

// Config holds the connection parameters for one device.
type Config struct {
	// Host is the device hostname or IP address.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the login user (default root).
	User string

	// Password authenticates the session. Password auth only: these are
	// freshly provisioned devices with no key material installed.
	Password string

	// KeepaliveInterval is how often keepalive requests are sent on an
	// idle connection.
	KeepaliveInterval time.Duration

	// ConnectTimeout bounds the TCP dial and SSH handshake.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// AuthError reports rejected credentials. Callers must not retry it.
type AuthError struct {
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication to %s failed: %v", e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionError reports a transport-level failure establishing or
// maintaining the session.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unable to establish SSH connection to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Manager guarantees at most one live SSH connection to the device,
// reconnecting on demand. Executors and transfer engines borrow the
// connection for the duration of one operation and never close it
// themselves.
type Manager struct {
	cfg Config

	mu            sync.Mutex
	client        *ssh.Client
	stopKeepalive chan struct{}
}

// NewManager creates a manager for the given device. No connection is
// opened until Connect or Client is called.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.withDefaults()}
}

// Addr returns the host:port the manager dials.
func (m *Manager) Addr() string {
	return net.JoinHostPort(m.cfg.Host, fmt.Sprintf("%d", m.cfg.Port))
}

// Connect ensures a live authenticated connection. It is a no-op when a
// healthy connection already exists, unless force is set, in which case
// any prior connection is closed first.
func (m *Manager) Connect(ctx context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !force && m.alive() {
		return nil
	}

	m.closeLocked()

	clientCfg := &ssh.ClientConfig{
		User:            m.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(m.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // freshly reset devices have no prior fingerprint
		Timeout:         m.cfg.ConnectTimeout,
	}

	addr := m.Addr()
	dialer := net.Dialer{Timeout: m.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ConnectionError{Host: m.cfg.Host, Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		if isAuthFailure(err) {
			return &AuthError{Host: m.cfg.Host, Err: err}
		}
		return &ConnectionError{Host: m.cfg.Host, Err: err}
	}

	m.client = ssh.NewClient(sshConn, chans, reqs)
	m.stopKeepalive = make(chan struct{})
	go m.keepalive(m.client, m.stopKeepalive)

	gologger.Debug().Msgf("connected to %s as %s", addr, m.cfg.User)
	return nil
}

// Client returns the live connection, connecting first if needed. The
// returned client remains owned by the manager.
func (m *Manager) Client(ctx context.Context) (*ssh.Client, error) {
	if err := m.Connect(ctx, false); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client, nil
}

// Close releases the connection if one exists. It is idempotent and
// swallows errors from the underlying close.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
	return nil
}

// PortOpen reports whether the device's SSH port accepts TCP connections
// within the given timeout. Used as a cheap pre-check before a full
// handshake during reconnection polling.
func (m *Manager) PortOpen(timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", m.Addr(), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// alive probes the current connection with a keepalive request.
// Caller must hold m.mu.
func (m *Manager) alive() bool {
	if m.client == nil {
		return false
	}
	_, _, err := m.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// closeLocked tears down the connection and keepalive loop.
// Caller must hold m.mu.
func (m *Manager) closeLocked() {
	if m.stopKeepalive != nil {
		close(m.stopKeepalive)
		m.stopKeepalive = nil
	}
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
		gologger.Debug().Msgf("closed connection to %s", m.Addr())
	}
}

// keepalive pings the server so intermediate equipment does not drop
// idle connections while a long remote script runs.
func (m *Manager) keepalive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				// The next operation will observe the dead transport
				// and reconnect; nothing useful to do here.
				return
			}
		}
	}
}

// isAuthFailure distinguishes rejected credentials from transport
// failures in the handshake error.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied")
}
