package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"airbcm/internal/config"
	"airbcm/internal/diagnostics"
	"airbcm/internal/features"
	"airbcm/internal/iso"
	"airbcm/internal/logging"
	"airbcm/internal/progress"
	"airbcm/internal/remote"
	"airbcm/internal/shell"
	"airbcm/internal/templates"
)

const isoUploadTimeout = 3 * time.Hour

func (d *Deployer) configureSSH(ctx context.Context) error {
	d.header("Configuring SSH Access")
	info, err := d.api.FindSSHService(ctx, d.st.SimID, d.st.NodeName, d.st.OutboundInterface)
	if err != nil {
		logging.DeployWarn("SSH service lookup failed: %v", err)
	}
	if err != nil || info == nil || info.Host == "" || info.Port == 0 {
		d.printf("  x SSH service not available\n")
		d.printf("    Enable SSH in the Air UI (Services tab), then run with --resume\n")
		return fmt.Errorf("%w for %s", ErrNoSSHService, d.st.NodeName)
	}
	d.st.SSH = info

	if d.done(progress.StepSSHConfigured) {
		d.st.SSHConfigFile = d.progress.GetString("ssh_config_file")
		if _, err := os.Stat(d.st.SSHConfigFile); err == nil {
			d.skipped(progress.StepSSHConfigured, "SSH config: %s", d.st.SSHConfigFile)
			return nil
		}
		logging.DeployWarn("Saved SSH config %q is gone; writing it again", d.st.SSHConfigFile)
	}

	path := remote.ResolveSSHConfigPath(d.cfg.SSH.ConfigFile, d.cfg.SSHDir(), d.st.SimName, d.st.SimID)
	err = remote.WriteSSHConfig(path, remote.Entry{
		SimulationName: d.st.SimName,
		SimulationID:   d.st.SimID,
		NodeName:       d.st.NodeName,
		Host:           info.Host,
		Port:           info.Port,
		IdentityFile:   d.cfg.PrivateKeyPath(),
		Password:       d.st.Password,
		Generated:      d.now(),
	})
	if err != nil {
		return err
	}
	d.st.SSHConfigFile = path
	d.printf("  SSH config: %s\n", path)
	d.printf("  Connect with: ssh -F %s air-%s\n", path, d.st.NodeName)
	return d.complete(progress.StepSSHConfigured, map[string]any{"ssh_config_file": path})
}

// bootstrap sets passwords and keys over SSH when cloud-init did not.
// A failed bootstrap is reported but does not stop the run.
func (d *Deployer) bootstrap(ctx context.Context) error {
	if d.st.CloudInitOK {
		d.printf("\nPasswords configured via cloud-init (set at boot time)\n")
		d.bootstrapMethod = "cloud-init"
		return d.progress.Set(map[string]any{
			"bootstrap_method":                 "cloud-init",
			"bootstrap_tool":                   "cloud-init",
			"bootstrap_password_change_prompt": nil,
		})
	}
	if d.done(progress.StepBCMInstalled) {
		d.bootstrapMethod = d.progress.GetString("bootstrap_method")
		return nil
	}
	if d.conn == nil {
		return fmt.Errorf("deploy: no SSH connector configured")
	}

	d.header("Configuring Node via SSH")
	d.printf("  Cloud-init did not apply; logging in with the image's initial password\n")
	pub, err := d.cfg.ReadPublicKey()
	if err != nil {
		return err
	}
	script, err := templates.BootstrapScript(d.st.NodeName, d.st.Password, pub)
	if err != nil {
		return err
	}

	res, err := d.conn.Bootstrap(ctx, d.st.SSH.Host, d.st.SSH.Port, remote.DefaultInitialPassword, d.st.Password, script)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		logging.DeployWarn("SSH bootstrap (%s): %v", res.Method, err)
		d.printf("  ! SSH bootstrap failed (%s): %v\n", res.Method, err)
		d.printf("  Continuing with default password '%s'; change it after connecting\n", remote.DefaultInitialPassword)
	} else {
		d.printf("  Node configured (%s)\n", res.Method)
	}
	method := res.Method
	if method == "" {
		method = "ssh-unknown"
	}
	d.bootstrapMethod = method
	return d.progress.Set(map[string]any{
		"bootstrap_method":                 method,
		"bootstrap_tool":                   res.Tool,
		"bootstrap_password_change_prompt": res.PasswordChangePrompt,
	})
}

// session opens the key-authenticated head node connection once per run.
func (d *Deployer) session(ctx context.Context) (Session, error) {
	if d.sess != nil {
		return d.sess, nil
	}
	if d.conn == nil {
		return nil, fmt.Errorf("deploy: no SSH connector configured")
	}
	s, err := d.conn.Connect(ctx, d.st.SSH.Host, d.st.SSH.Port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.st.NodeName, err)
	}
	d.sess = s
	return s, nil
}

func (d *Deployer) closeSession() {
	if d.sess != nil {
		d.sess.Close()
		d.sess = nil
	}
}

func (d *Deployer) install(ctx context.Context) error {
	if d.opts.SkipInstall {
		d.printf("\n--skip-install specified, skipping BCM installation\n")
		return nil
	}
	if d.done(progress.StepBCMInstalled) {
		d.skipped(progress.StepBCMInstalled, "BCM already installed")
		return nil
	}

	d.header("Installing BCM " + d.st.Version)
	if config.IsPlaceholder(d.cfg.BCM.ProductKey) {
		return fmt.Errorf("BCM_PRODUCT_KEY not configured (add BCM_PRODUCT_KEY=<key> to .env)")
	}
	isoPath, err := d.isoPath()
	if err != nil {
		return err
	}

	host := "air-" + d.st.NodeName
	d.printf("\nUploading BCM ISO to head node...\n  Source: %s\n", isoPath)
	if err := shell.ProbeSSH(ctx, d.exec, host, d.st.SSHConfigFile); err != nil {
		logging.DeployWarn("SSH key probe: %v", err)
		d.printf("  ! SSH key auth may not be working, trying anyway: %v\n", err)
	}
	if err := shell.Rsync(ctx, d.exec, isoPath, host, RemoteISOPath, d.st.SSHConfigFile, isoUploadTimeout, d.out); err != nil {
		return fmt.Errorf("failed to upload BCM ISO: %w", err)
	}
	d.printf("  ISO uploaded\n")

	sess, err := d.session(ctx)
	if err != nil {
		return err
	}
	if err := d.uploadInstallScript(ctx, sess); err != nil {
		return err
	}
	if err := d.uploadPatch(ctx, sess); err != nil {
		return err
	}

	d.printf("\nStarting BCM installation on head node (30-45 minutes)...\n")
	d.printf("  Monitor with: ssh -F %s %s 'tail -f %s'\n\n", d.st.SSHConfigFile, host, RemoteInstallLog)
	timer := logging.StartTimer(logging.CategoryDeploy, "bcm install")
	err = sess.RunStream(ctx, "sudo "+RemoteScriptPath, d.out, d.out)
	timer.StopWithInfo()
	if err != nil {
		d.printf("\n  Check logs: ssh -F %s %s 'cat %s'\n", d.st.SSHConfigFile, host, RemoteInstallLog)
		return fmt.Errorf("BCM installation failed: %w", err)
	}
	d.printf("\nBCM installation completed successfully\n")
	return d.complete(progress.StepBCMInstalled, nil)
}

func (d *Deployer) isoPath() (string, error) {
	p := d.st.ISOPath
	if p == "" {
		cat, err := iso.Scan(config.ExpandPath(d.cfg.Paths.ISODir))
		if err != nil {
			return "", err
		}
		img, err := iso.Resolve(cat, d.st.Version)
		if err != nil {
			return "", err
		}
		p = img.Path
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("BCM ISO not found: %s", p)
	}
	return p, nil
}

func (d *Deployer) uploadInstallScript(ctx context.Context, sess Session) error {
	tmpl, err := os.ReadFile(d.cfg.Paths.InstallScript)
	if err != nil {
		return fmt.Errorf("install script template not found: %w", err)
	}
	script := templates.RenderInstallScript(string(tmpl), templates.InstallParams{
		Password:             d.st.Password,
		ProductKey:           d.cfg.BCM.ProductKey,
		Version:              d.st.Version,
		AdminEmail:           d.cfg.AdminEmail(),
		ExternalInterface:    d.st.OutboundInterface,
		ManagementInterface:  d.st.ManagementInterface,
		InternalnetIP:        d.st.InternalnetPrimary,
		InternalnetBase:      d.st.InternalnetBase,
		InternalnetPrefixLen: d.st.InternalnetPrefixLen,
	})

	tmp, err := os.CreateTemp("", "bcm_install-*.sh")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := sess.UploadFile(ctx, tmp.Name(), RemoteScriptPath, 0755); err != nil {
		return fmt.Errorf("failed to upload installation script: %w", err)
	}
	d.printf("  Install script uploaded\n")
	return nil
}

// uploadPatch ships <patches_dir>/<version>.py when one exists.
func (d *Deployer) uploadPatch(ctx context.Context, sess Session) error {
	local := filepath.Join(d.cfg.Paths.PatchesDir, d.st.Version+".py")
	if _, err := os.Stat(local); err != nil {
		d.printf("  No BCM collection patch for this version\n")
		return nil
	}
	remotePath := RemotePatchesDir + "/" + filepath.Base(local)
	if err := sess.UploadFile(ctx, local, remotePath, 0644); err != nil {
		return fmt.Errorf("failed to upload BCM collection patch: %w", err)
	}
	d.printf("  Patch uploaded: %s\n", filepath.Base(local))
	return nil
}

func (d *Deployer) runFeatures(ctx context.Context) error {
	if d.opts.SkipInstall {
		return nil
	}
	if d.done(progress.StepFeatures) {
		d.skipped(progress.StepFeatures, "Features already configured")
		return nil
	}

	dir := d.progress.GetStringOr("topology_dir", d.st.TopologyDir)
	f, err := features.Load(dir)
	if err != nil {
		logging.FeaturesWarn("Skipping post-install features: %v", err)
		d.printf("\n  ! Could not read %s: %v (skipping features)\n", features.FileName, err)
		return d.complete(progress.StepFeatures, nil)
	}
	major := features.Major(d.st.Version)
	actions := features.Plan(f, major)
	if len(actions) == 0 {
		d.printf("\nNo post-install features configured\n")
		return d.complete(progress.StepFeatures, nil)
	}

	d.header("Post-Install Features")
	sess, err := d.session(ctx)
	if err != nil {
		return err
	}
	start := 0
	if d.opts.Resume {
		if i, ok := d.progress.GetInt("post_install_action_index"); ok {
			start = i
		}
	}
	r := &features.Runner{
		Remote: sess,
		Dir:    dir,
		Major:  major,
		Out:    d.out,
		OnIndex: func(i int, a *features.Action) error {
			kv := map[string]any{"post_install_action_index": i}
			if a != nil {
				kv["post_install_action"] = a.Summary()
			}
			return d.progress.Set(kv)
		},
	}
	if err := r.Run(ctx, actions, start); err != nil {
		if ctx.Err() != nil {
			return err
		}
		// The node is installed; a failed feature is reported, not fatal.
		d.featureErrors = err.Error()
		logging.FeaturesWarn("Post-install features had errors: %v", err)
		d.printf("\n  ! Some features had errors (see above)\n")
		return d.complete(progress.StepFeatures, map[string]any{"post_install_errors": d.featureErrors})
	}
	return d.complete(progress.StepFeatures, map[string]any{"post_install_action_index": len(actions)})
}

func (d *Deployer) dumpDiagnostics(ctx context.Context, reason string, simData map[string]any) {
	path, err := diagnostics.Dump(context.WithoutCancel(ctx), d.api, d.cfg.LogDir(), diagnostics.Input{
		SimulationID:   d.st.SimID,
		SimulationName: d.st.SimName,
		Reason:         reason,
		SimData:        simData,
		Now:            d.now(),
	})
	if err != nil {
		logging.DeployWarn("Failed to write diagnostics: %v", err)
		return
	}
	d.printf("  Diagnostics written to: %s\n", path)
}
