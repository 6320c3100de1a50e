package executor

import (
	"context"

	"github.com/Jacob10383/printerup/internal/session"
)

// ManagerSession adapts a session.Manager to the Session interface,
// opening one SSH channel per invocation on the managed connection.
type ManagerSession struct {
	Manager *session.Manager
}

// OpenChannel ensures a live connection and opens a fresh command channel
// on it. A channel-open failure poisons the connection, which is closed
// so the next call reconnects.
func (s ManagerSession) OpenChannel(ctx context.Context) (Channel, error) {
	client, err := s.Manager.Client(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := client.NewSession()
	if err != nil {
		_ = s.Manager.Close()
		return nil, &session.ConnectionError{Host: s.Manager.Addr(), Err: err}
	}
	return ch, nil
}

// Close releases the managed connection.
func (s ManagerSession) Close() error {
	return s.Manager.Close()
}

// Ensure the adapter implements the Session interface.
var _ Session = ManagerSession{}
