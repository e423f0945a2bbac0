// Package deploy is the deployment orchestrator: a sequential state machine
// that creates (or adopts) a simulation, boots it, prepares the head node
// and runs the BCM installer, checkpointing after every step so an
// interrupted run can resume.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"airbcm/internal/config"
	"airbcm/internal/history"
	"airbcm/internal/logging"
	"airbcm/internal/progress"
	"airbcm/internal/shell"
	"airbcm/internal/topology"

	"github.com/google/uuid"
)

// Config wires a Deployer.
type Config struct {
	Settings  *config.Config
	Options   Options
	API       API
	Connector Connector
	Executor  shell.Executor
	Prompter  Prompter
	Progress  *progress.Tracker
	// History is optional.
	History *history.Store
	Out     io.Writer
	RunID   string
	Now     func() time.Time
}

// Deployer runs one deployment.
type Deployer struct {
	cfg      *config.Config
	opts     Options
	api      API
	conn     Connector
	exec     shell.Executor
	prompt   Prompter
	progress *progress.Tracker
	history  *history.Store
	out      io.Writer
	now      func() time.Time

	runID    string
	audit    *logging.AuditLogger
	st       state
	lastStep progress.Step
	topo     *topology.Topology
	sess     Session

	bootstrapMethod string
	featureErrors   string
	progressCleared bool
}

// New validates c and builds a Deployer.
func New(c Config) (*Deployer, error) {
	if c.Settings == nil || c.API == nil || c.Progress == nil {
		return nil, errors.New("deploy: settings, API and progress tracker are required")
	}
	if !c.Options.NonInteractive && c.Prompter == nil {
		return nil, errors.New("deploy: interactive mode needs a prompter")
	}
	d := &Deployer{
		cfg:      c.Settings,
		opts:     c.Options,
		api:      c.API,
		conn:     c.Connector,
		exec:     c.Executor,
		prompt:   c.Prompter,
		progress: c.Progress,
		history:  c.History,
		out:      c.Out,
		now:      c.Now,
		runID:    c.RunID,
	}
	if d.out == nil {
		d.out = io.Discard
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.runID == "" {
		d.runID = uuid.NewString()
	}
	if d.exec == nil {
		d.exec = shell.NewDirectExecutor()
	}
	d.audit = logging.Audit(d.runID)
	if a, ok := d.exec.(shell.Auditable); ok {
		a.SetAuditCallback(d.auditLocal)
	}
	return d, nil
}

// auditLocal records finished local commands (ssh checks, rsync) in the
// run's audit trail.
func (d *Deployer) auditLocal(ev shell.AuditEvent) {
	if ev.Type == shell.AuditEventStart {
		return
	}
	code, dur, err := -1, time.Duration(0), ev.Error
	if ev.Result != nil {
		code, dur = ev.Result.ExitCode, ev.Result.Duration
		if err == nil && ev.Result.Killed {
			err = ev.Result.Err()
		}
	}
	d.audit.Exec(logging.AuditLocalExec, "localhost", ev.Command.String(), code, dur, err)
}

// RunID identifies this run in the audit trail and history ledger.
func (d *Deployer) RunID() string { return d.runID }

// fallbackError asks Run to start over without cloud-init.
type fallbackError struct{ err error }

func (e *fallbackError) Error() string { return e.err.Error() }
func (e *fallbackError) Unwrap() error { return e.err }

// Run executes the deployment. When a fresh simulation that used cloud-init
// fails to load, it is deleted and the whole run is repeated once with
// cloud-init disabled.
func (d *Deployer) Run(ctx context.Context) (*Summary, error) {
	if err := d.opts.Validate(); err != nil {
		return nil, err
	}
	unlock, err := d.progress.Lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := d.now()
	d.audit.Log(logging.AuditEvent{EventType: logging.AuditRunStart, Success: true, Message: d.modeString()})
	logging.Deploy("Run %s starting (%s)", d.runID, d.modeString())
	d.startHistory(ctx)

	sum, err := d.runOnce(ctx)
	var fb *fallbackError
	if errors.As(err, &fb) {
		if ferr := d.restartWithoutCloudInit(ctx); ferr != nil {
			err = ferr
		} else {
			sum, err = d.runOnce(ctx)
		}
	}

	d.finishHistory(ctx, err)
	d.audit.Phase(logging.AuditRunEnd, string(d.lastStep), err)
	if err != nil {
		logging.DeployError("Run %s failed after %s: %v", d.runID, string(d.lastStep), err)
		return nil, err
	}
	sum.Duration = d.now().Sub(start)
	logging.Deploy("Run %s completed in %s", d.runID, sum.Duration.Round(time.Second))
	return sum, nil
}

func (d *Deployer) modeString() string {
	mode := "interactive"
	if d.opts.NonInteractive {
		mode = "non-interactive"
	}
	if d.opts.Resume {
		mode += ", resume"
	}
	if d.opts.SimID != "" {
		mode += ", existing simulation " + d.opts.SimID
	}
	return mode
}

func (d *Deployer) runOnce(ctx context.Context) (*Summary, error) {
	defer d.closeSession()
	if d.opts.Resume {
		if last := d.progress.LastStep(); last != "" {
			d.printf("Resuming after step %s\n", last)
		} else {
			d.printf("Starting fresh (no previous progress)\n")
		}
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"version", d.selectVersion},
		{"password", d.configurePassword},
		{"name", d.chooseName},
		{"create", d.createOrAdopt},
		{"cloud-init", d.assignCloudInit},
		{"start", d.startSimulation},
		{"wait-loaded", d.waitLoaded},
		{"ssh-service", d.enableSSHService},
		{"node-ready", d.waitNodeReady},
		{"ssh-config", d.configureSSH},
		{"bootstrap", d.bootstrap},
		{"install", d.install},
		{"features", d.runFeatures},
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.fn(ctx); err != nil {
			d.audit.Phase(logging.AuditPhaseError, s.name, err)
			return nil, err
		}
	}

	if err := d.complete(progress.StepCompleted, nil); err != nil {
		return nil, err
	}
	sum := d.summary()
	if err := d.cleanup(); err != nil {
		logging.DeployWarn("Progress cleanup: %v", err)
	}
	sum.ProgressCleared = d.progressCleared
	return sum, nil
}

func (d *Deployer) restartWithoutCloudInit(ctx context.Context) error {
	d.printf("\nSimulation failed to load with cloud-init; falling back to SSH bootstrap.\n")
	d.printf("Deleting simulation and restarting from the beginning without cloud-init...\n")
	d.audit.Log(logging.AuditEvent{EventType: logging.AuditFallback, Target: d.st.SimID, Success: true, Message: "cloud-init load failure"})

	if err := d.api.DeleteSimulation(ctx, d.st.SimID); err != nil {
		logging.DeployWarn("Delete of %s failed: %v", d.st.SimID, err)
		d.printf("  ! Simulation delete failed (continuing anyway): %v\n", err)
	} else {
		d.printf("  Simulation deleted\n")
	}
	if err := d.progress.Clear(); err != nil {
		return err
	}

	// Keep the answers already given so the rerun does not ask again.
	d.opts.BCMVersion = d.st.Version
	d.opts.Password = d.st.Password
	d.opts.Name = d.st.SimName
	d.opts.Resume = false
	d.opts.SkipCloudInit = true
	d.st = state{}
	d.lastStep = ""
	return nil
}

// done reports whether step can be skipped on resume.
func (d *Deployer) done(step progress.Step) bool {
	return d.opts.Resume && d.progress.IsCompleted(step)
}

func (d *Deployer) complete(step progress.Step, kv map[string]any) error {
	if err := d.progress.Complete(step, kv); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", step, err)
	}
	d.lastStep = step
	d.audit.Phase(logging.AuditPhaseComplete, string(step), nil)
	return nil
}

func (d *Deployer) skipped(step progress.Step, format string, args ...any) {
	d.lastStep = step
	d.audit.Phase(logging.AuditPhaseSkipped, string(step), nil)
	d.printf("  [resume] "+format+"\n", args...)
}

func (d *Deployer) printf(format string, args ...any) {
	fmt.Fprintf(d.out, format, args...)
}

func (d *Deployer) header(title string) {
	d.printf("\n== %s ==\n", title)
}

func (d *Deployer) startHistory(ctx context.Context) {
	if d.history == nil {
		return
	}
	err := d.history.Start(ctx, &history.Run{
		ID:           d.runID,
		StartedAt:    d.now(),
		SimulationID: d.opts.SimID,
		Namespace:    d.cfg.Namespace,
		Resumed:      d.opts.Resume,
	})
	if err != nil {
		logging.StoreWarn("Could not record run start: %v", err)
	}
}

func (d *Deployer) noteHistory(ctx context.Context) {
	if d.history == nil {
		return
	}
	if err := d.history.Update(ctx, d.runID, d.st.SimID, d.st.SimName, d.st.Version); err != nil {
		logging.StoreWarn("Could not update run: %v", err)
	}
}

func (d *Deployer) finishHistory(ctx context.Context, runErr error) {
	if d.history == nil {
		return
	}
	d.noteHistory(ctx)
	status := history.StatusSucceeded
	switch {
	case errors.Is(runErr, context.Canceled):
		status = history.StatusCancelled
	case runErr != nil:
		status = history.StatusFailed
	}
	// The run context may already be cancelled.
	if err := d.history.Finish(context.WithoutCancel(ctx), d.runID, status, string(d.lastStep), runErr); err != nil {
		logging.StoreWarn("Could not record run end: %v", err)
	}
}

func (d *Deployer) summary() *Summary {
	net, ip := "192.168.200.0/24", "192.168.200.254"
	if d.st.InternalnetBase != "" && d.st.InternalnetPrefixLen > 0 && d.st.InternalnetPrimary != "" {
		net = fmt.Sprintf("%s/%d", d.st.InternalnetBase, d.st.InternalnetPrefixLen)
		ip = d.st.InternalnetPrimary
	}
	return &Summary{
		RunID:           d.runID,
		SimulationID:    d.st.SimID,
		SimulationName:  d.st.SimName,
		BCMVersion:      d.st.Version,
		NodeName:        d.st.NodeName,
		SSHConfigFile:   d.st.SSHConfigFile,
		Internalnet:     net,
		InternalnetIP:   ip,
		Password:        d.st.Password,
		BootstrapMethod: d.bootstrapMethod,
		InstallSkipped:  d.opts.SkipInstall,
		FeatureErrors:   d.featureErrors,
	}
}

// cleanup clears the checkpoint: always in non-interactive mode unless
// KeepProgress, otherwise when the user agrees.
func (d *Deployer) cleanup() error {
	wipe := !d.opts.KeepProgress
	if !d.opts.NonInteractive {
		ok, err := d.prompt.Confirm("Clear progress file so the next deployment starts fresh?", true)
		if err != nil {
			return err
		}
		wipe = ok
	}
	if !wipe {
		d.printf("  Progress file kept (use --resume to continue from checkpoint)\n")
		return nil
	}
	if err := d.progress.Clear(); err != nil {
		return err
	}
	d.progressCleared = true
	d.printf("  Progress file cleared\n")
	return nil
}
