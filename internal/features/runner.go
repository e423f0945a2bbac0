package features

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"airbcm/internal/logging"
)

// Remote paths used by the actions.
const (
	ZTPStagingPath = "/tmp/cumulus-ztp.sh"
	ZTPHTTPDir     = "/cm/images/default-image/http"
	ZTPRemotePath  = ZTPHTTPDir + "/cumulus-ztp.sh"
)

// ErrFailed is returned when an action stops the run or a non-fatal
// action reported an error.
var ErrFailed = errors.New("post-install features failed")

// errZTPMissing marks an upload_ztp action with nothing to upload. It is
// only a warning.
var errZTPMissing = errors.New("nothing to upload")

// Remote is the head node connection the runner drives.
type Remote interface {
	Run(ctx context.Context, cmd string) (stdout, stderr string, err error)
	UploadFile(ctx context.Context, local, remotePath string, mode os.FileMode) error
	Reboot(ctx context.Context) error
}

// Runner executes a planned action list against the head node.
type Runner struct {
	Remote Remote
	// Dir resolves relative action paths (the topology directory).
	Dir   string
	Major string
	Out   io.Writer
	// OnIndex is called with (i, &action) before action i and (i+1, nil)
	// after it, so a checkpoint can resume at the first unfinished action.
	OnIndex func(index int, action *Action) error
}

func (r *Runner) printf(format string, args ...any) {
	if r.Out != nil {
		fmt.Fprintf(r.Out, format, args...)
	}
}

func (r *Runner) mark(i int, a *Action) error {
	if r.OnIndex == nil {
		return nil
	}
	return r.OnIndex(i, a)
}

// Run executes actions[start:]. cmsh, reboot and wlm_setup failures stop
// the run; upload_ztp problems are reported but do not stop it, and a
// missing ZTP script is only a warning. Unknown action types are skipped.
func (r *Runner) Run(ctx context.Context, actions []Action, start int) error {
	if start < 0 {
		start = 0
	}
	if start > 0 && start < len(actions) {
		logging.Features("Resuming post-install actions at %d/%d", start+1, len(actions))
	}
	r.printf("  Planned actions: %d\n", len(actions))

	softFailures := 0
	for i := start; i < len(actions); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		act := actions[i]
		if err := r.mark(i, &act); err != nil {
			return err
		}
		r.printf("\n  [%d/%d] %s: %s\n", i+1, len(actions), act.Type, act.Label(i))
		logging.Features("Action %d/%d %s: %s", i+1, len(actions), act.Type, act.Label(i))

		var err error
		switch act.Type {
		case TypeCmsh:
			err = r.runCmsh(ctx, act)
		case TypeUploadZTP:
			if zerr := r.uploadZTP(ctx, act); zerr != nil {
				if !errors.Is(zerr, errZTPMissing) {
					softFailures++
				}
				logging.FeaturesWarn("upload_ztp %s: %v", act.Label(i), zerr)
				r.printf("    ! %v\n", zerr)
			}
		case TypeReboot:
			r.printf("    Managed reboot requested...\n")
			if err = r.Remote.Reboot(ctx); err == nil {
				r.printf("    Node is back\n")
			}
		case TypeWLMSetup:
			err = r.runWLMSetup(ctx, act)
		default:
			logging.FeaturesWarn("Unknown action type %q (skipping)", act.Type)
			r.printf("    ! Unknown action type: %s (skipping)\n", act.Type)
		}
		if err != nil {
			logging.FeaturesError("Action %s failed: %v", act.Label(i), err)
			r.printf("    x %v\n", err)
			return fmt.Errorf("%w: %s %s: %w", ErrFailed, act.Type, act.Label(i), err)
		}
		if err := r.mark(i+1, nil); err != nil {
			return err
		}
	}

	if softFailures > 0 {
		return fmt.Errorf("%w: %d action(s) reported errors", ErrFailed, softFailures)
	}
	r.printf("\n  All features configured successfully\n")
	return nil
}

func (r *Runner) local(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(r.Dir, rel)
}

func (r *Runner) runCmsh(ctx context.Context, act Action) error {
	script := act.Script.Resolve(r.Major)
	if script == "" {
		return errors.New("missing script for cmsh action")
	}
	local := r.local(script)
	if _, err := os.Stat(local); err != nil {
		return fmt.Errorf("config file not found: %s", local)
	}
	remotePath := "/tmp/" + filepath.Base(local)
	if err := r.Remote.UploadFile(ctx, local, remotePath, 0644); err != nil {
		return err
	}
	if _, _, err := r.Remote.Run(ctx, "cmsh -f "+remotePath); err != nil {
		return err
	}
	r.printf("    %s executed\n", filepath.Base(local))
	return nil
}

func (r *Runner) uploadZTP(ctx context.Context, act Action) error {
	p := act.Path.Resolve(r.Major)
	if p == "" {
		return fmt.Errorf("missing path for upload_ztp action: %w", errZTPMissing)
	}
	local := r.local(p)
	if _, err := os.Stat(local); err != nil {
		return fmt.Errorf("ZTP script not found: %s: %w", local, errZTPMissing)
	}
	if err := r.Remote.UploadFile(ctx, local, ZTPStagingPath, 0644); err != nil {
		return fmt.Errorf("ZTP script upload failed: %w", err)
	}
	cmd := fmt.Sprintf("sudo mkdir -p %s && sudo mv %s %s && sudo chmod 644 %s",
		ZTPHTTPDir, ZTPStagingPath, ZTPRemotePath, ZTPRemotePath)
	if _, _, err := r.Remote.Run(ctx, cmd); err != nil {
		return fmt.Errorf("ZTP script install failed: %w", err)
	}
	r.printf("    ZTP script uploaded to %s\n", ZTPRemotePath)
	return nil
}

func (r *Runner) runWLMSetup(ctx context.Context, act Action) error {
	cfg := act.Config.Resolve(r.Major)
	if cfg == "" {
		return errors.New("missing config for wlm_setup action")
	}
	wlm := act.WLMType
	if wlm == "" {
		wlm = "slurm"
	}
	local := r.local(cfg)
	r.printf("    Running cm-wlm-setup for %s...\n", wlm)
	remotePath := "/tmp/" + filepath.Base(local)
	if err := r.Remote.UploadFile(ctx, local, remotePath, 0644); err != nil {
		return err
	}
	if _, _, err := r.Remote.Run(ctx, "sudo cm-wlm-setup -c "+remotePath); err != nil {
		return fmt.Errorf("cm-wlm-setup failed: %w", err)
	}
	r.printf("    Workload manager (%s) configured\n", wlm)
	return nil
}
