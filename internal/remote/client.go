// Package remote drives the BCM head node over SSH: command execution,
// script runs, small file uploads, reboots and the first-login password
// bootstrap. It also writes the ssh_config file handed to the user.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"airbcm/internal/logging"
	"airbcm/internal/templates"

	"golang.org/x/crypto/ssh"
)

// Target identifies an SSH endpoint and how to authenticate to it.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
	Signers  []ssh.Signer
	// Challenge answers keyboard-interactive prompts when set.
	Challenge ssh.KeyboardInteractiveChallenge
	// Timeout bounds TCP connect plus handshake.
	Timeout time.Duration
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.User + "@" + t.Addr()
}

func (t Target) clientConfig() *ssh.ClientConfig {
	var auth []ssh.AuthMethod
	if len(t.Signers) > 0 {
		auth = append(auth, ssh.PublicKeys(t.Signers...))
	}
	// keyboard-interactive goes before password so PAM can run an expired
	// password change during authentication.
	if t.Challenge != nil {
		auth = append(auth, ssh.KeyboardInteractive(t.Challenge))
	}
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ssh.ClientConfig{
		User: t.User,
		Auth: auth,
		// Simulation workers are ephemeral; their host keys change per run.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
}

// LoadSigner reads an unencrypted private key.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return signer, nil
}

// Client is an open SSH connection.
type Client struct {
	target Target
	conn   *ssh.Client
	audit  *logging.AuditLogger
}

// Dial connects and authenticates.
func Dial(ctx context.Context, t Target) (*Client, error) {
	cfg := t.clientConfig()
	d := net.Dialer{Timeout: cfg.Timeout}
	nc, err := d.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", t.Addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	} else {
		nc.SetDeadline(time.Now().Add(cfg.Timeout))
	}
	sc, chans, reqs, err := ssh.NewClientConn(nc, t.Addr(), cfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", t, err)
	}
	nc.SetDeadline(time.Time{})
	logging.RemoteDebug("Connected to %s", t)
	return &Client{target: t, conn: ssh.NewClient(sc, chans, reqs)}, nil
}

// SetAudit attaches an audit sink for executed commands and uploads.
func (c *Client) SetAudit(a *logging.AuditLogger) { c.audit = a }

// Target returns the endpoint this client is connected to.
func (c *Client) Target() Target { return c.target }

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ExitError reports a remote command that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command %q exited %d: %s", e.Command, e.Code, e.Stderr)
}

// RunStream runs cmd with the given stdio. It returns *ExitError for a
// non-zero exit status.
func (c *Client) RunStream(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	sess, err := c.conn.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer sess.Close()

	sess.Stdin = stdin
	sess.Stdout = stdout
	var errBuf bytes.Buffer
	if stderr != nil {
		sess.Stderr = io.MultiWriter(stderr, &errBuf)
	} else {
		sess.Stderr = &errBuf
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGTERM)
		sess.Close()
		<-done
		c.audit.Exec(logging.AuditRemoteExec, c.target.Host, cmd, -1, time.Since(start), ctx.Err())
		return ctx.Err()
	case err = <-done:
	}

	code := 0
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitStatus()
		err = &ExitError{Command: cmd, Code: code, Stderr: truncate(errBuf.String(), 2000)}
	default:
		err = fmt.Errorf("remote command %q failed: %w", cmd, err)
		code = -1
	}
	c.audit.Exec(logging.AuditRemoteExec, c.target.Host, cmd, code, time.Since(start), err)
	logging.RemoteDebug("%s: %q -> exit %d (%s)", c.target.Host, cmd, code, time.Since(start).Round(time.Millisecond))
	return err
}

// Run executes cmd and captures its output.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	err := c.RunStream(ctx, cmd, nil, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

// RunScript feeds script to `bash -s` on stdin.
func (c *Client) RunScript(ctx context.Context, script string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	err := c.RunStream(ctx, "bash -s", bytes.NewBufferString(script), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

// Upload writes r to remotePath (creating its directory) and sets mode.
func (c *Client) Upload(ctx context.Context, r io.Reader, size int64, remotePath string, mode os.FileMode) error {
	q := templates.ShellQuote(remotePath)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %04o %s",
		templates.ShellQuote(path.Dir(remotePath)), q, mode.Perm(), q)

	start := time.Now()
	counter := &countingReader{r: r}
	err := c.RunStream(ctx, cmd, counter, io.Discard, nil)
	c.audit.Upload("stream", remotePath, counter.n, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	if size >= 0 && counter.n != size {
		return fmt.Errorf("short upload to %s: wrote %d of %d bytes", remotePath, counter.n, size)
	}
	logging.Remote("Uploaded %d bytes to %s:%s", counter.n, c.target.Host, remotePath)
	return nil
}

// UploadFile uploads a local file.
func (c *Client) UploadFile(ctx context.Context, local, remotePath string, mode os.FileMode) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return c.Upload(ctx, f, info.Size(), remotePath, mode)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
