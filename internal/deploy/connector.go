package deploy

import (
	"context"
	"fmt"
	"time"

	"airbcm/internal/config"
	"airbcm/internal/logging"
	"airbcm/internal/remote"

	"golang.org/x/crypto/ssh"
)

// SSHConnector reaches the head node through the simulation's SSH service
// using the configured key pair.
type SSHConnector struct {
	signers      []ssh.Signer
	probeTimeout time.Duration
	reachPoll    remote.PollOptions
	rebootPoll   remote.PollOptions
	audit        *logging.AuditLogger
}

// NewSSHConnector loads the private key named by cfg.
func NewSSHConnector(cfg *config.Config, audit *logging.AuditLogger) (*SSHConnector, error) {
	signer, err := remote.LoadSigner(cfg.PrivateKeyPath())
	if err != nil {
		return nil, err
	}
	reboot := remote.DefaultRebootPoll()
	reboot.Timeout = cfg.GetRebootTimeout()
	return &SSHConnector{
		signers:      []ssh.Signer{signer},
		probeTimeout: cfg.GetSSHProbeTimeout(),
		reachPoll:    remote.PollOptions{Interval: 10 * time.Second, Timeout: cfg.GetSSHProbeTimeout()},
		rebootPoll:   reboot,
		audit:        audit,
	}, nil
}

// Bootstrap logs in with oldPassword and runs script.
func (c *SSHConnector) Bootstrap(ctx context.Context, host string, port int, oldPassword, newPassword, script string) (remote.BootstrapResult, error) {
	t := remote.UbuntuTarget(host, port, c.signers)
	res, err := remote.Bootstrap(ctx, t, oldPassword, newPassword, script, remote.BootstrapOptions{
		Timeout: c.probeTimeout + 2*time.Minute,
	})
	if c.audit != nil {
		c.audit.Exec(logging.AuditRemoteExec, t.String(), "bootstrap ("+res.Method+")", 0, 0, err)
	}
	return res, err
}

// Connect waits for key authentication to work and returns a session.
func (c *SSHConnector) Connect(ctx context.Context, host string, port int) (Session, error) {
	t := remote.UbuntuTarget(host, port, c.signers)
	cl, err := remote.WaitReachable(ctx, t, "SSH_KEY_AUTH_OK", c.reachPoll)
	if err != nil {
		return nil, fmt.Errorf("SSH key authentication to %s: %w", t, err)
	}
	if c.audit != nil {
		cl.SetAudit(c.audit)
	}
	return remote.NewSession(cl, c.rebootPoll), nil
}
