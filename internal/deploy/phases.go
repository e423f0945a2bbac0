package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"airbcm/internal/air"
	"airbcm/internal/config"
	"airbcm/internal/iso"
	"airbcm/internal/logging"
	"airbcm/internal/progress"
	"airbcm/internal/templates"
	"airbcm/internal/topology"

	"golang.org/x/sync/errgroup"
)

const cloudInitConcurrency = 4

func (d *Deployer) selectVersion(ctx context.Context) error {
	if d.done(progress.StepVersionSelected) {
		d.st.Version = d.progress.GetString("bcm_version")
		d.st.CollectionName = d.progress.GetString("collection_name")
		d.st.ISOPath = d.progress.GetString("bcm_iso_path")
		d.skipped(progress.StepVersionSelected, "BCM version: %s", d.st.Version)
		return nil
	}

	d.header("BCM Version Selection")
	dir := config.ExpandPath(d.cfg.Paths.ISODir)
	cat, err := iso.Scan(dir)
	if err != nil {
		return err
	}
	if cat.Empty() {
		return fmt.Errorf("%w in %s (download from https://customer.brightcomputing.com/download-iso)", iso.ErrNoImages, dir)
	}
	for _, img := range cat.All() {
		d.printf("  BCM %s: %s (%s)\n", img.Version, img.Filename(), img.HumanSize())
	}

	var img iso.Image
	switch {
	case d.opts.BCMVersion != "":
		img, err = iso.Resolve(cat, d.opts.BCMVersion)
	case d.opts.NonInteractive:
		img, err = iso.Default(cat)
	default:
		img, err = d.prompt.SelectVersion(cat)
	}
	if err != nil {
		return err
	}
	d.st.Version = img.Version
	d.st.CollectionName = img.CollectionName()
	d.st.ISOPath = img.Path
	d.printf("  Using BCM %s (%s)\n", img.Version, img.Filename())
	return d.complete(progress.StepVersionSelected, map[string]any{
		"bcm_version":     d.st.Version,
		"collection_name": d.st.CollectionName,
		"bcm_iso_path":    d.st.ISOPath,
	})
}

func (d *Deployer) configurePassword(ctx context.Context) error {
	if d.done(progress.StepPasswordConfigured) {
		d.st.Password = d.progress.GetStringOr("default_password", config.DefaultPassword)
		d.skipped(progress.StepPasswordConfigured, "Using saved password")
		return nil
	}

	def := d.cfg.BCM.DefaultPassword
	if def == "" {
		def = config.DefaultPassword
	}
	pw := d.opts.Password
	switch {
	case pw != "":
	case d.opts.NonInteractive:
		pw = def
	default:
		var err error
		if pw, err = d.prompt.Password(def); err != nil {
			return err
		}
		if pw == "" {
			pw = def
		}
	}
	d.st.Password = pw
	return d.complete(progress.StepPasswordConfigured, map[string]any{"default_password": pw})
}

func (d *Deployer) chooseName(ctx context.Context) error {
	if d.done(progress.StepNameSet) {
		d.st.SimName = d.progress.GetString("simulation_name")
		d.skipped(progress.StepNameSet, "Simulation name: %s", d.st.SimName)
		return nil
	}

	var name string
	switch {
	case d.opts.Name != "":
		name = d.opts.Name
	case d.opts.SimID != "":
		// Replaced by the platform's title once the simulation is adopted.
		id := d.opts.SimID
		if len(id) > 8 {
			id = id[:8]
		}
		name = "sim-" + id
	default:
		def := d.api.NextSimulationName(ctx, d.now())
		name = def
		if !d.opts.NonInteractive {
			answer, err := d.prompt.SimulationName(def)
			if err != nil {
				return err
			}
			if answer = strings.TrimSpace(answer); answer != "" {
				name = answer
			}
		}
	}
	d.st.SimName = name
	d.printf("  Simulation name: %s\n", name)
	return d.complete(progress.StepNameSet, map[string]any{"simulation_name": name})
}

func (d *Deployer) createOrAdopt(ctx context.Context) error {
	if d.done(progress.StepSimulationCreated) {
		d.restoreSimulation()
		d.scopeAudit()
		d.skipped(progress.StepSimulationCreated, "Simulation ID: %s (node %s, outbound %s, internalnet %s)",
			d.st.SimID, d.st.NodeName, d.st.OutboundInterface, d.st.InternalnetInterface)
		return nil
	}

	file, dir := topology.ResolvePath(d.opts.TopologyPath)
	if file == "" && d.opts.SimID == "" {
		return fmt.Errorf("topology not found: %s (expected a directory with topology.json or a .json file)", d.opts.TopologyPath)
	}
	d.st.TopologyDir = dir

	net, err := topology.ParseInternalnet(d.cfg.BCM.InternalnetNetwork)
	if err != nil {
		return err
	}
	d.st.InternalnetBase = net.Base.String()
	d.st.InternalnetPrefixLen = net.PrefixLen
	d.st.InternalnetPrimary = net.Primary.String()
	d.st.InternalnetSecondary = net.Secondary.String()

	// UserConfigs are per user, so this goes before the import.
	d.ensureUserConfig(ctx)

	if d.opts.SimID != "" {
		if file != "" {
			if t, err := topology.Load(file); err == nil {
				d.topo = t
			}
		}
		err = d.adoptSimulation(ctx)
	} else {
		err = d.createSimulation(ctx, file)
	}
	if err != nil {
		return err
	}

	d.st.InternalnetInterface = d.st.ManagementInterface
	d.scopeAudit()
	d.printf("  Internalnet network: %s/%d\n", d.st.InternalnetBase, d.st.InternalnetPrefixLen)
	d.printf("  Internalnet IP (%s): %s\n", d.roleLabel(), d.st.InternalnetPrimary)

	kv := map[string]any{
		"simulation_id":                d.st.SimID,
		"simulation_name":              d.st.SimName,
		"bcm_node_name":                d.st.NodeName,
		"bcm_outbound_interface":       d.st.OutboundInterface,
		"bcm_management_interface":     d.st.ManagementInterface,
		"bcm_internalnet_interface":    d.st.InternalnetInterface,
		"bcm_internalnet_base":         d.st.InternalnetBase,
		"bcm_internalnet_prefixlen":    d.st.InternalnetPrefixLen,
		"bcm_internalnet_ip_primary":   d.st.InternalnetPrimary,
		"bcm_internalnet_ip_secondary": d.st.InternalnetSecondary,
		"userconfig_id":                d.st.UserConfigID,
		"topology_dir":                 d.st.TopologyDir,
	}
	if d.st.ExistingSim {
		kv["existing_sim"] = true
		kv["install_role"] = d.st.InstallRole
	}
	if err := d.complete(progress.StepSimulationCreated, kv); err != nil {
		return err
	}
	d.noteHistory(ctx)
	return nil
}

func (d *Deployer) roleLabel() string {
	if d.st.InstallRole == "" {
		return RolePrimary
	}
	return d.st.InstallRole
}

func (d *Deployer) restoreSimulation() {
	p := d.progress
	d.st.SimID = p.GetString("simulation_id")
	d.st.SimName = p.GetStringOr("simulation_name", d.st.SimName)
	d.st.NodeName = p.GetStringOr("bcm_node_name", defaultHeadNode)
	d.st.OutboundInterface = p.GetStringOr("bcm_outbound_interface", defaultOutbound)
	d.st.ManagementInterface = p.GetStringOr("bcm_management_interface", defaultManagement)
	d.st.InternalnetInterface = p.GetStringOr("bcm_internalnet_interface", d.st.ManagementInterface)
	d.st.InternalnetBase = p.GetString("bcm_internalnet_base")
	d.st.InternalnetPrefixLen, _ = p.GetInt("bcm_internalnet_prefixlen")
	d.st.InternalnetPrimary = p.GetString("bcm_internalnet_ip_primary")
	d.st.InternalnetSecondary = p.GetString("bcm_internalnet_ip_secondary")
	d.st.UserConfigID = p.GetString("userconfig_id")
	d.st.TopologyDir = p.GetString("topology_dir")
	d.st.ExistingSim = p.GetBool("existing_sim")
	d.st.InstallRole = p.GetString("install_role")
}

func (d *Deployer) scopeAudit() {
	d.audit = logging.Audit(d.runID).WithSimulation(d.st.SimID)
	if a, ok := d.api.(interface{ SetAudit(*logging.AuditLogger) }); ok {
		a.SetAudit(d.audit)
	}
}

// ensureUserConfig renders the cloud-init user data and makes sure the
// platform holds it. Failures only disable cloud-init.
func (d *Deployer) ensureUserConfig(ctx context.Context) {
	if d.opts.SkipCloudInit {
		return
	}
	d.printf("\nEnsuring cloud-init UserConfig exists...\n")
	tmpl, err := templates.LoadCloudInitTemplate(d.cfg.Paths.CloudInitTemplate)
	if err != nil {
		d.printf("  ! %v\n", err)
		return
	}
	pub, err := d.cfg.ReadPublicKey()
	if err != nil {
		d.printf("  ! %v\n", err)
		return
	}
	id, err := d.api.EnsureUserConfig(ctx, templates.RenderCloudInit(tmpl, pub, d.st.Password))
	if err != nil {
		logging.DeployWarn("UserConfig unavailable: %v", err)
		if errors.Is(err, air.ErrUserConfigForbidden) {
			d.printf("  ! Cloud-init UserConfigs are not available on this account (free tier?); passwords will be set over SSH\n")
		} else {
			d.printf("  ! Could not create UserConfig: %v\n", err)
		}
		return
	}
	d.st.UserConfigID = id
	d.printf("  UserConfig: %s\n", id)
}

func (d *Deployer) createSimulation(ctx context.Context, file string) error {
	d.header("Creating NVIDIA Air Simulation")
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("topology file not found: %s", file)
	}
	t, err := topology.Load(file)
	if err != nil {
		return err
	}
	d.topo = t

	head, err := topology.DetectHeadNode(t)
	if err != nil {
		return err
	}
	d.st.NodeName = head
	d.printf("  Detected BCM node: %s\n", head)

	d.st.OutboundInterface = t.OutboundInterface(head)
	if d.st.OutboundInterface == "" {
		return fmt.Errorf("%w: %s (see topologies/topology-design.md)", topology.ErrNoOutbound, head)
	}
	d.st.ManagementInterface = t.InternalnetInterface(head, d.cfg.BCM.InternalnetInterface)
	if d.st.ManagementInterface == "" {
		d.printf("  Could not detect internalnet interface; defaulting to %s\n", defaultManagement)
		d.st.ManagementInterface = defaultManagement
	}

	sim, err := d.api.ImportSimulation(ctx, t.ImportDocument(d.st.SimName))
	if err != nil {
		return fmt.Errorf("failed to create simulation: %w", err)
	}
	d.st.SimID = sim.ID
	d.printf("  Simulation created: %s (state %s)\n", sim.ID, sim.State)
	return nil
}

func (d *Deployer) adoptSimulation(ctx context.Context) error {
	d.header("Using Existing Simulation")
	d.st.SimID = d.opts.SimID
	d.st.ExistingSim = true

	if sim, err := d.api.GetSimulation(ctx, d.st.SimID); err != nil {
		logging.DeployWarn("Could not fetch simulation %s: %v", d.st.SimID, err)
	} else if name := sim.DisplayName(); name != "" {
		d.st.SimName = name
	}

	d.st.InstallRole = RolePrimary
	switch {
	case d.opts.Secondary != "":
		d.st.NodeName = d.opts.Secondary
		d.st.InstallRole = RoleSecondary
	case d.opts.Primary != "":
		d.st.NodeName = d.opts.Primary
	default:
		node, err := d.pickHeadNode(ctx)
		if err != nil {
			return err
		}
		d.st.NodeName = node
	}
	d.printf("  BCM node: %s (%s)\n", d.st.NodeName, d.st.InstallRole)

	d.st.OutboundInterface = defaultOutbound
	if override := d.cfg.BCM.InternalnetInterface; override != "" {
		d.st.ManagementInterface = override
	} else {
		ifaces, err := d.api.NodeInterfaces(ctx, d.st.SimID, d.st.NodeName)
		if err != nil {
			logging.DeployWarn("Interface discovery for %s failed: %v", d.st.NodeName, err)
		}
		d.st.ManagementInterface = topology.SelectInternalnetInterface(ifaces)
		if d.st.ManagementInterface == "" {
			d.st.ManagementInterface = defaultManagement
		}
	}

	if d.st.InstallRole == RoleSecondary {
		d.st.InternalnetPrimary = d.st.InternalnetSecondary
	}
	return nil
}

func (d *Deployer) pickHeadNode(ctx context.Context) (string, error) {
	nodes, err := d.api.ListNodes(ctx, d.st.SimID)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	candidates := topology.PickHeadNodeCandidates(names)
	switch {
	case len(candidates) == 1:
		return candidates[0], nil
	case d.opts.NonInteractive:
		return "", errors.Join(ErrInvalidOptions,
			fmt.Errorf("could not uniquely determine the BCM node (%d candidates); re-run with --primary <hostname>", len(candidates)))
	}
	node, err := d.prompt.ChooseHeadNode(candidates)
	if err != nil {
		return "", err
	}
	if node = strings.TrimSpace(node); node == "" {
		return "", errors.Join(ErrInvalidOptions, errors.New("no BCM node hostname provided"))
	}
	return node, nil
}

// topologyNodes returns the topology's node attributes, reloading the
// topology from the saved directory after a resume.
func (d *Deployer) topologyNodes() map[string]topology.Node {
	if d.topo == nil && d.st.TopologyDir != "" {
		if file, _ := topology.ResolvePath(d.st.TopologyDir); file != "" {
			if t, err := topology.Load(file); err == nil {
				d.topo = t
			}
		}
	}
	if d.topo == nil {
		return nil
	}
	return d.topo.Content.Nodes
}

func (d *Deployer) assignCloudInit(ctx context.Context) error {
	if d.done(progress.StepCloudInit) {
		d.st.CloudInitOK = d.progress.GetBool("cloudinit_success")
		d.st.UserConfigID = d.progress.GetString("userconfig_id")
		d.skipped(progress.StepCloudInit, "Cloud-init configured: %t", d.st.CloudInitOK)
		return nil
	}

	ok := d.applyCloudInit(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if ok && d.st.ExistingSim {
		if state := d.simulationState(ctx); state == air.StateLoaded || state == air.StateRunning {
			d.printf("  Simulation is already %s; cloud-init will not apply until nodes rebuild. Using SSH bootstrap instead.\n", state)
			ok = false
		}
	}
	d.st.CloudInitOK = ok
	return d.complete(progress.StepCloudInit, map[string]any{"cloudinit_success": ok})
}

func (d *Deployer) applyCloudInit(ctx context.Context) bool {
	d.printf("\nAssigning cloud-init to simulation nodes...\n")
	if d.opts.SkipCloudInit {
		d.printf("  Skipping cloud-init assignment (--skip-cloud-init)\n")
		return false
	}
	if d.st.UserConfigID == "" {
		d.printf("  ! No UserConfig available\n")
		return false
	}

	nodes, err := d.api.ListNodes(ctx, d.st.SimID)
	if err != nil {
		d.printf("  ! Could not list nodes: %v\n", err)
		return false
	}
	topo := d.topologyNodes()

	var targets []air.Node
	for _, n := range nodes {
		if ok, reason := topology.SupportsCloudInit(n.Name, topo[n.Name]); !ok {
			d.printf("  Skipping %s (%s)\n", n.Name, reason)
			continue
		}
		targets = append(targets, n)
	}

	errs := make([]error, len(targets))
	var configured atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cloudInitConcurrency)
	for i, n := range targets {
		g.Go(func() error {
			if err := d.api.SetCloudInitAssignment(gctx, n.ID, d.st.UserConfigID); err != nil {
				errs[i] = err
				return nil
			}
			configured.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	for i, n := range targets {
		if errs[i] != nil {
			logging.DeployWarn("cloud-init assignment to %s failed: %v", n.Name, errs[i])
			d.printf("  ! Could not assign cloud-init to %s: %v\n", n.Name, errs[i])
		} else {
			d.printf("  Cloud-init assigned to %s\n", n.Name)
		}
	}
	if configured.Load() == 0 {
		d.printf("  ! Could not configure cloud-init on any node\n")
		return false
	}
	d.printf("  Cloud-init configured on %d node(s)\n", configured.Load())
	return true
}

// simulationState is best effort: "" when the API cannot say.
func (d *Deployer) simulationState(ctx context.Context) string {
	sim, err := d.api.GetSimulation(ctx, d.st.SimID)
	if err != nil {
		logging.DeployDebug("Simulation state unavailable: %v", err)
		return ""
	}
	return strings.ToUpper(sim.State)
}

func (d *Deployer) startSimulation(ctx context.Context) error {
	if d.done(progress.StepSimulationStarted) {
		d.skipped(progress.StepSimulationStarted, "Simulation already started")
		return nil
	}

	state := d.simulationState(ctx)
	if err := d.progress.Set(map[string]any{"simulation_state_before_start": state}); err != nil {
		return err
	}
	if d.st.ExistingSim && (state == air.StateLoaded || state == air.StateRunning) {
		d.printf("\nSimulation already %s; skipping start and load.\n", state)
		if err := d.complete(progress.StepSimulationStarted, nil); err != nil {
			return err
		}
		return d.complete(progress.StepSimulationLoaded, nil)
	}

	d.printf("\nStarting simulation...\n")
	if err := d.api.LoadSimulation(ctx, d.st.SimID); err != nil {
		// The load wait decides whether this was fatal.
		logging.DeployWarn("Start of %s returned: %v", d.st.SimID, err)
		d.printf("  ! Error starting simulation: %v\n", err)
	} else {
		d.printf("  Simulation start requested\n")
	}
	return d.complete(progress.StepSimulationStarted, nil)
}

func (d *Deployer) waitLoaded(ctx context.Context) error {
	if d.done(progress.StepSimulationLoaded) {
		d.skipped(progress.StepSimulationLoaded, "Simulation already loaded")
		return nil
	}

	d.printf("\nWaiting for simulation to finish loading...\n")
	timeout := d.cfg.GetSimulationLoadTimeout()
	simData, reason, err := d.pollLoaded(ctx, timeout, d.cfg.GetLoadPollInterval())
	if err != nil {
		return err
	}
	if reason == "" {
		d.printf("  Simulation is fully loaded\n")
		return d.complete(progress.StepSimulationLoaded, nil)
	}

	d.printf("  x %s\n", reason)
	d.dumpDiagnostics(ctx, reason, simData)
	loadErr := fmt.Errorf("%w: %s", ErrSimulationLoadFailed, reason)
	if !d.opts.SkipCloudInit && d.st.CloudInitOK && !d.st.ExistingSim {
		return &fallbackError{err: loadErr}
	}
	return loadErr
}

// pollLoaded waits for LOADED. reason is empty on success and describes the
// failure otherwise; err is only set when ctx ends.
func (d *Deployer) pollLoaded(ctx context.Context, timeout, interval time.Duration) (map[string]any, string, error) {
	deadline := time.Now().Add(timeout)
	var last map[string]any
	lastState := ""
	for {
		sim, err := d.api.GetSimulation(ctx, d.st.SimID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return last, "", ctx.Err()
			}
			logging.DeployWarn("Error checking simulation state: %v", err)
		default:
			last = sim.Extra
			state := strings.ToUpper(sim.State)
			if state != lastState {
				d.printf("  Simulation state: %s\n", state)
				lastState = state
			}
			if state == air.StateLoaded {
				return last, "", nil
			}
			if state == air.StateError || state == air.StateFailed {
				return last, fmt.Sprintf("simulation state=%s during load wait", state), nil
			}
		}

		if !time.Now().Add(interval).Before(deadline) {
			return last, fmt.Sprintf("timeout waiting for LOADED (timeout=%s)", timeout), nil
		}
		select {
		case <-ctx.Done():
			return last, "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (d *Deployer) enableSSHService(ctx context.Context) error {
	if d.done(progress.StepSSHEnabled) {
		d.skipped(progress.StepSSHEnabled, "SSH service already enabled")
		return nil
	}

	d.printf("\nEnabling SSH service on %s:%s...\n", d.st.NodeName, d.st.OutboundInterface)
	switch {
	case d.opts.SkipSSHService:
		d.printf("  Skipping SSH service creation (--skip-ssh-service)\n")
	default:
		if info, err := d.api.FindSSHService(ctx, d.st.SimID, d.st.NodeName, d.st.OutboundInterface); err == nil && info != nil && info.Host != "" && info.Port != 0 {
			d.printf("  SSH service already exists (reusing): %s:%d\n", info.Host, info.Port)
			break
		}
		iface := d.st.NodeName + ":" + d.st.OutboundInterface
		svc, err := d.api.CreateService(ctx, d.st.SimID, SSHServiceName, iface, 22, "ssh")
		if err != nil {
			// Reported again, fatally, when the SSH endpoint is looked up.
			logging.DeployWarn("Failed to enable SSH service: %v", err)
			d.printf("  x Failed to enable SSH service: %v\n", err)
			break
		}
		d.printf("  SSH service created: %s (%s:%d)\n", svc.ID, svc.Host, svc.SrcPort)
	}
	return d.complete(progress.StepSSHEnabled, nil)
}

func (d *Deployer) waitNodeReady(ctx context.Context) error {
	if d.done(progress.StepNodeReady) {
		d.skipped(progress.StepNodeReady, "Node already ready")
		return nil
	}

	d.printf("\nWaiting for node %q to be ready...\n", d.st.NodeName)
	timeout := d.cfg.GetNodeReadyTimeout()
	interval := d.cfg.GetNodePollInterval()
	deadline := time.Now().Add(timeout)
	first := true
	lastState := ""
	for {
		nodes, err := d.api.ListNodes(ctx, d.st.SimID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.DeployWarn("Error checking node status: %v", err)
		}
		if err == nil && first {
			d.printf("  All nodes in simulation (%d found):\n", len(nodes))
			for _, n := range nodes {
				d.printf("    %s: %s\n", n.Name, n.State)
			}
			first = false
		}
		for _, n := range nodes {
			if n.Name != d.st.NodeName {
				continue
			}
			if n.State != lastState {
				d.printf("  Node %q state: %s\n", n.Name, n.State)
				lastState = n.State
			}
			if n.Ready() {
				d.printf("  Node %q is ready\n", n.Name)
				return d.complete(progress.StepNodeReady, nil)
			}
		}

		if !time.Now().Add(interval).Before(deadline) {
			return fmt.Errorf("timeout waiting for node %q to be ready (%s)", d.st.NodeName, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
