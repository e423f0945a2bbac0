package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"airbcm/internal/logging"
)

// ErrTimeout is returned when a node does not come back in time.
var ErrTimeout = errors.New("timed out waiting for node")

// PollOptions control reachability polling.
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	// Settle is slept after the first successful probe.
	Settle time.Duration
}

// DefaultRebootPoll matches how long a BCM head node takes to come back.
func DefaultRebootPoll() PollOptions {
	return PollOptions{Interval: 5 * time.Second, Timeout: 900 * time.Second, Settle: 10 * time.Second}
}

// WaitReachable dials t until `echo <marker>` succeeds and returns the
// connected client.
func WaitReachable(ctx context.Context, t Target, marker string, opts PollOptions) (*Client, error) {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 900 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	probe := t
	if probe.Timeout <= 0 || probe.Timeout > 5*time.Second {
		probe.Timeout = 5 * time.Second
	}

	start := time.Now()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	attempt := 0
	for {
		attempt++
		c, err := Dial(ctx, probe)
		if err == nil {
			out, _, runErr := c.Run(ctx, "echo "+marker)
			if runErr == nil && strings.Contains(out, marker) {
				logging.Remote("%s reachable after %s (attempt %d)", t.Host, time.Since(start).Round(time.Second), attempt)
				if opts.Settle > 0 {
					select {
					case <-ctx.Done():
					case <-time.After(opts.Settle):
					}
				}
				c.target = t
				return c, nil
			}
			c.Close()
			err = runErr
		}
		if attempt%10 == 0 {
			logging.RemoteWarn("%s still not reachable after %s (attempt %d): %v",
				t.Host, time.Since(start).Round(time.Second), attempt, err)
		} else {
			logging.RemoteDebug("%s not reachable yet (attempt %d): %v", t.Host, attempt, err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logging.RemoteError("%s not reachable after %d attempts: %v", t.Host, attempt, err)
				return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, t.Host, opts.Timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reboot issues `sudo reboot` on c, closes it and waits for the node to
// accept SSH again. The reboot command's own error is ignored since the
// connection usually drops mid-command.
func Reboot(ctx context.Context, c *Client, opts PollOptions) (*Client, error) {
	target := c.target
	audit := c.audit
	logging.Remote("Rebooting %s", target.Host)

	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	_, _, err := c.Run(rctx, "sudo reboot || true")
	cancel()
	if err != nil {
		logging.RemoteDebug("reboot command returned %v (expected while the node goes down)", err)
	}
	c.Close()

	// Give sshd a moment to stop before the first probe.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(opts.Interval):
	}

	nc, err := WaitReachable(ctx, target, "REBOOT_OK", opts)
	if err != nil {
		return nil, fmt.Errorf("node did not come back after reboot: %w", err)
	}
	nc.SetAudit(audit)
	return nc, nil
}
