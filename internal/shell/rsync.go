package shell

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"airbcm/internal/logging"
)

// RsyncArgs builds a resumable rsync invocation that tunnels through the
// given ssh_config file.
func RsyncArgs(local, host, remotePath, sshConfig string) []string {
	return []string{
		"-az",
		"--partial",
		"--info=progress2",
		"--no-inc-recursive",
		"-e", fmt.Sprintf("ssh -F %s -o StrictHostKeyChecking=no", sshConfig),
		local,
		host + ":" + remotePath,
	}
}

// Rsync copies local to host:remotePath. Progress is streamed to stream when
// it is non-nil. Re-running after an interruption resumes the partial file.
func Rsync(ctx context.Context, e Executor, local, host, remotePath, sshConfig string, timeout time.Duration, stream io.Writer) error {
	res, err := e.Execute(ctx, Command{
		Binary:    "rsync",
		Arguments: RsyncArgs(local, host, remotePath, sshConfig),
		Timeout:   timeout,
		Stream:    stream,
	})
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("rsync to %s failed: %w", host, err)
	}
	logging.Shell("Uploaded %s to %s:%s in %s", local, host, remotePath, res.Duration.Round(time.Second))
	return nil
}

// ProbeSSH runs `echo SSH_KEY_AUTH_OK` through the system ssh client with
// BatchMode so a key problem fails fast instead of prompting.
func ProbeSSH(ctx context.Context, e Executor, host, sshConfig string) error {
	res, err := e.Execute(ctx, Command{
		Binary: "ssh",
		Arguments: []string{
			"-F", sshConfig,
			"-o", "BatchMode=yes",
			"-o", "StrictHostKeyChecking=no",
			"-o", "ConnectTimeout=15",
			host,
			"echo SSH_KEY_AUTH_OK",
		},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return err
	}
	if !strings.Contains(res.Stdout, "SSH_KEY_AUTH_OK") {
		if e := res.Err(); e != nil {
			return fmt.Errorf("ssh key authentication to %s failed: %w", host, e)
		}
		return fmt.Errorf("ssh key authentication to %s failed: unexpected output %q", host, strings.TrimSpace(res.Stdout))
	}
	return nil
}

// LookPath is exec.LookPath, replaceable in tests.
var LookPath = exec.LookPath

// MissingTools returns the names not found on PATH.
func MissingTools(names ...string) []string {
	var missing []string
	for _, n := range names {
		if _, err := LookPath(n); err != nil {
			missing = append(missing, n)
		}
	}
	return missing
}
