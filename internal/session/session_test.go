package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Host: "192.168.1.50", Password: "secret"}.withDefaults()

	if cfg.Port != 22 {
		t.Errorf("Port = %d, want 22", cfg.Port)
	}
	if cfg.User != "root" {
		t.Errorf("User = %q, want root", cfg.User)
	}
	if cfg.KeepaliveInterval != 10*time.Second {
		t.Errorf("KeepaliveInterval = %v, want 10s", cfg.KeepaliveInterval)
	}
	if cfg.ConnectTimeout != 15*time.Second {
		t.Errorf("ConnectTimeout = %v, want 15s", cfg.ConnectTimeout)
	}
}

func TestCloseWithoutConnectionIsNoop(t *testing.T) {
	m := NewManager(Config{Host: "127.0.0.1", Password: "x"})

	if err := m.Close(); err != nil {
		t.Fatalf("Close() = %v, want nil", err)
	}
	// Repeated close must also be safe.
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() = %v, want nil", err)
	}
}

func TestConnectRefusedPortIsConnectionError(t *testing.T) {
	// Reserve a port and close the listener so nothing is accepting.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	m := NewManager(Config{
		Host:           "127.0.0.1",
		Port:           port,
		Password:       "x",
		ConnectTimeout: 2 * time.Second,
	})

	err = m.Connect(context.Background(), false)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect() = %v, want *ConnectionError", err)
	}
}

func TestPortOpen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	m := NewManager(Config{Host: "127.0.0.1", Port: port, Password: "x"})
	if !m.PortOpen(time.Second) {
		t.Error("PortOpen() = false for listening port")
	}

	_ = ln.Close()
	// The listener is gone; the probe must report closed, not error out.
	if m.PortOpen(200 * time.Millisecond) {
		t.Error("PortOpen() = true for closed port")
	}
}

func TestIsAuthFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth rejected", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"), true},
		{"permission denied", errors.New("permission denied (publickey,password)"), true},
		{"network", errors.New("dial tcp: connection refused"), false},
		{"protocol", errors.New("ssh: handshake failed: EOF"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAuthFailure(tt.err); got != tt.want {
				t.Errorf("isAuthFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	m := NewManager(Config{Host: "10.0.0.8", Port: 2222, Password: "x"})
	if got := m.Addr(); got != "10.0.0.8:2222" {
		t.Errorf("Addr() = %q, want 10.0.0.8:2222", got)
	}
}
