package remote

import (
	"context"
	"io"
	"os"
	"sync"
)

// Session wraps a Client so callers keep a single handle across reboots.
type Session struct {
	mu   sync.Mutex
	c    *Client
	poll PollOptions
}

// NewSession takes ownership of c.
func NewSession(c *Client, poll PollOptions) *Session {
	return &Session{c: c, poll: poll}
}

func (s *Session) client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c
}

// Run executes cmd on the current connection.
func (s *Session) Run(ctx context.Context, cmd string) (string, string, error) {
	return s.client().Run(ctx, cmd)
}

// RunStream runs cmd with its output copied to stdout and stderr.
func (s *Session) RunStream(ctx context.Context, cmd string, stdout, stderr io.Writer) error {
	return s.client().RunStream(ctx, cmd, nil, stdout, stderr)
}

// RunScript feeds script to bash on the current connection.
func (s *Session) RunScript(ctx context.Context, script string) (string, string, error) {
	return s.client().RunScript(ctx, script)
}

// UploadFile uploads a local file on the current connection.
func (s *Session) UploadFile(ctx context.Context, local, remotePath string, mode os.FileMode) error {
	return s.client().UploadFile(ctx, local, remotePath, mode)
}

// Reboot reboots the node and swaps in the new connection.
func (s *Session) Reboot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nc, err := Reboot(ctx, s.c, s.poll)
	if err != nil {
		return err
	}
	s.c = nc
	return nil
}

// Close closes the current connection.
func (s *Session) Close() error {
	return s.client().Close()
}
