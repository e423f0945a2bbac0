package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"airbcm/internal/logging"
	"airbcm/internal/templates"

	"golang.org/x/crypto/ssh"
)

// Bootstrap method labels recorded in the checkpoint.
const (
	MethodPasswordChanged  = "ssh-pwchange"
	MethodNoPasswordChange = "ssh-no-pwchange"
	MethodFailed           = "ssh-failed"
	MethodTimeout          = "ssh-timeout"
	MethodError            = "ssh-error"
	MethodMissingSSHInfo   = "ssh-missing-ssh-info"
)

const (
	BootstrapTool          = "x/crypto/ssh"
	DefaultBootstrapUser   = "ubuntu"
	DefaultInitialPassword = "nvidia"

	defaultProbeAttempts    = 30
	defaultProbeInterval    = 3 * time.Second
	defaultBootstrapTimeout = 10 * time.Minute
)

// BootstrapResult describes how the first login went.
type BootstrapResult struct {
	Method               string
	PasswordChangePrompt bool
	Tool                 string
	Output               string
}

// BootstrapOptions tune the reachability probe ahead of the login.
type BootstrapOptions struct {
	ProbeAttempts int
	ProbeInterval time.Duration
	Timeout       time.Duration
}

var (
	currentPromptRe = regexp.MustCompile(`(?i)current.*password`)
	retypePromptRe  = regexp.MustCompile(`(?i)retype|repeat new.*password`)
	newPromptRe     = regexp.MustCompile(`(?i)new.*password`)
	passwordPrompt  = regexp.MustCompile(`(?i)password:`)
)

var passwordChangeMarkers = []string{
	"current password",
	"new password",
	"password expired",
	"must change",
	"you are required to change",
}

// NeedsPasswordChange reports whether output contains a forced password
// change prompt.
func NeedsPasswordChange(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range passwordChangeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// passwordChanger answers PAM prompts, including the expired password flow.
type passwordChanger struct {
	oldPassword string
	newPassword string

	mu       sync.Mutex
	prompted bool
	changed  bool
}

func (p *passwordChanger) challenge(user, instruction string, questions []string, echos []bool) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if NeedsPasswordChange(instruction) {
		p.prompted = true
	}
	answers := make([]string, len(questions))
	for i, q := range questions {
		switch {
		case currentPromptRe.MatchString(q):
			p.prompted = true
			answers[i] = p.oldPassword
		case retypePromptRe.MatchString(q):
			p.prompted = true
			answers[i] = p.newPassword
			p.changed = true
		case newPromptRe.MatchString(q):
			p.prompted = true
			answers[i] = p.newPassword
		case passwordPrompt.MatchString(q):
			if p.changed {
				answers[i] = p.newPassword
			} else {
				answers[i] = p.oldPassword
			}
		default:
			logging.RemoteDebug("unrecognised keyboard-interactive prompt %q", q)
		}
	}
	return answers, nil
}

func (p *passwordChanger) state() (prompted, changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompted, p.changed
}

// Bootstrap logs in with the image's initial password, changes it to
// newPassword when the node forces a change, then runs script (normally
// templates.BootstrapScript) and checks for the completion marker.
func Bootstrap(ctx context.Context, t Target, oldPassword, newPassword, script string, opts BootstrapOptions) (BootstrapResult, error) {
	res := BootstrapResult{Tool: BootstrapTool}
	if t.Host == "" || t.Port == 0 {
		res.Method = MethodMissingSSHInfo
		return res, errors.New("no SSH endpoint for bootstrap")
	}
	if t.User == "" {
		t.User = DefaultBootstrapUser
	}
	if opts.ProbeAttempts <= 0 {
		opts.ProbeAttempts = defaultProbeAttempts
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultBootstrapTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	if err := probePort(ctx, t.Addr(), opts.ProbeAttempts, opts.ProbeInterval); err != nil {
		res.Method = MethodTimeout
		return res, err
	}

	pc := &passwordChanger{oldPassword: oldPassword, newPassword: newPassword}
	login := t
	login.Password = oldPassword
	login.Challenge = pc.challenge

	c, err := Dial(ctx, login)
	if err != nil {
		// Either the server dropped us right after a password change or an
		// earlier run already changed it.
		logging.RemoteDebug("initial login to %s failed: %v; retrying with new password", t, err)
		retry := t
		retry.Password = newPassword
		retry.Challenge = (&passwordChanger{oldPassword: newPassword, newPassword: newPassword}).challenge
		var retryErr error
		c, retryErr = Dial(ctx, retry)
		if retryErr != nil {
			res.PasswordChangePrompt, _ = pc.state()
			res.Method = MethodError
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				res.Method = MethodTimeout
			}
			return res, fmt.Errorf("bootstrap login to %s failed: %w", t, err)
		}
	}
	defer c.Close()

	stdout, stderr, runErr := c.RunScript(ctx, script)
	prompted, changed := pc.state()
	res.PasswordChangePrompt = prompted
	res.Output = stdout + stderr

	if strings.Contains(stdout, templates.SetupCompleteMarker) {
		res.Method = MethodNoPasswordChange
		if changed {
			res.Method = MethodPasswordChanged
		}
		logging.Remote("Bootstrap on %s complete (%s)", t.Host, res.Method)
		return res, nil
	}

	res.Method = MethodFailed
	if NeedsPasswordChange(res.Output) {
		res.PasswordChangePrompt = true
		return res, errors.New("node still demands a password change after login")
	}
	if runErr != nil {
		return res, fmt.Errorf("bootstrap script failed: %w", runErr)
	}
	return res, fmt.Errorf("bootstrap script did not report %s", templates.SetupCompleteMarker)
}

func probePort(ctx context.Context, addr string, attempts int, interval time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		d := net.Dialer{Timeout: 5 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		logging.RemoteDebug("SSH probe %d/%d to %s: %v", i+1, attempts, addr, err)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w: %s not accepting connections: %v", ErrTimeout, addr, lastErr)
}

// UbuntuTarget builds the bootstrap target for an SSH service endpoint.
func UbuntuTarget(host string, port int, signers []ssh.Signer) Target {
	return Target{Host: host, Port: port, User: DefaultBootstrapUser, Signers: signers, Timeout: 20 * time.Second}
}
