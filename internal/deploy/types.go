package deploy

import (
	"context"
	"errors"
	"io"
	"time"

	"airbcm/internal/air"
	"airbcm/internal/features"
	"airbcm/internal/iso"
	"airbcm/internal/remote"
)

var (
	// ErrInvalidOptions marks flag combinations the deployer refuses.
	ErrInvalidOptions = errors.New("invalid deploy options")
	// ErrSimulationLoadFailed is returned when the simulation never reached LOADED.
	ErrSimulationLoadFailed = errors.New("simulation did not load")
	// ErrNoSSHService is returned when the head node has no SSH service to connect through.
	ErrNoSSHService = errors.New("SSH service not available")
)

// Install roles in existing-simulation mode.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// Remote paths on the head node.
const (
	RemoteISOPath     = "/home/ubuntu/bcm.iso"
	RemoteScriptPath  = "/home/ubuntu/bcm_install.sh"
	RemotePatchesDir  = "/home/ubuntu/bcm_patches"
	RemoteInstallLog  = "/home/ubuntu/ansible_bcm_install.log"
	SSHServiceName    = "bcm-ssh"
	defaultHeadNode   = "bcm-01"
	defaultOutbound   = "eth0"
	defaultManagement = "eth1"
)

// Options mirror the deploy command's flags.
type Options struct {
	TopologyPath string
	// SimID switches to existing-simulation mode.
	SimID     string
	Primary   string
	Secondary string
	Name      string
	// BCMVersion is "10", "11" or a full version such as 10.30.0.
	BCMVersion string
	// Password presets the node password and skips the prompt.
	Password       string
	NonInteractive bool
	Resume         bool
	SkipInstall    bool
	SkipCloudInit  bool
	SkipSSHService bool
	KeepProgress   bool
}

// Validate rejects flag combinations that make no sense.
func (o Options) Validate() error {
	switch {
	case o.Secondary != "" && o.SimID == "":
		return errors.Join(ErrInvalidOptions, errors.New("--secondary requires --sim-id"))
	case o.Primary != "" && o.SimID == "":
		return errors.Join(ErrInvalidOptions, errors.New("--primary requires --sim-id"))
	case o.Primary != "" && o.Secondary != "":
		return errors.Join(ErrInvalidOptions, errors.New("use only one of --primary or --secondary"))
	}
	return nil
}

// API is the slice of the platform client the deployer drives.
// *air.Client satisfies it.
type API interface {
	BaseURL() string
	GetRaw(ctx context.Context, path string) air.RawResponse
	GetSimulation(ctx context.Context, id string) (*air.Simulation, error)
	NextSimulationName(ctx context.Context, now time.Time) string
	ImportSimulation(ctx context.Context, doc map[string]any) (*air.Simulation, error)
	LoadSimulation(ctx context.Context, id string) error
	DeleteSimulation(ctx context.Context, id string) error
	ListNodes(ctx context.Context, simID string) ([]air.Node, error)
	SetCloudInitAssignment(ctx context.Context, nodeID, userDataID string) error
	EnsureUserConfig(ctx context.Context, content string) (string, error)
	FindSSHService(ctx context.Context, simID, node, iface string) (*air.SSHInfo, error)
	CreateService(ctx context.Context, simID, name, iface string, destPort int, serviceType string) (*air.Service, error)
	NodeInterfaces(ctx context.Context, simID, node string) ([]string, error)
}

// Session is a key-authenticated connection to the head node.
type Session interface {
	features.Remote
	RunStream(ctx context.Context, cmd string, stdout, stderr io.Writer) error
	Close() error
}

// Connector opens connections to the head node's SSH service.
type Connector interface {
	Bootstrap(ctx context.Context, host string, port int, oldPassword, newPassword, script string) (remote.BootstrapResult, error)
	Connect(ctx context.Context, host string, port int) (Session, error)
}

// Prompter asks the interactive questions. It is never called in
// non-interactive mode.
type Prompter interface {
	SelectVersion(cat iso.Catalog) (iso.Image, error)
	Password(def string) (string, error)
	SimulationName(def string) (string, error)
	ChooseHeadNode(candidates []string) (string, error)
	Confirm(question string, def bool) (bool, error)
}

// state is everything one run learns, mirrored into the checkpoint.
type state struct {
	Version        string
	CollectionName string
	ISOPath        string
	Password       string
	SimName        string
	SimID          string

	NodeName             string
	OutboundInterface    string
	ManagementInterface  string
	InternalnetInterface string
	InternalnetBase      string
	InternalnetPrefixLen int
	InternalnetPrimary   string
	InternalnetSecondary string

	UserConfigID  string
	TopologyDir   string
	ExistingSim   bool
	InstallRole   string
	CloudInitOK   bool
	SSHConfigFile string
	SSH           *air.SSHInfo
}

// Summary describes a finished deployment.
type Summary struct {
	RunID           string
	SimulationID    string
	SimulationName  string
	BCMVersion      string
	NodeName        string
	SSHConfigFile   string
	Internalnet     string
	InternalnetIP   string
	Password        string
	BootstrapMethod string
	InstallSkipped  bool
	FeatureErrors   string // set when post-install features failed
	ProgressCleared bool
	Duration        time.Duration
}

// SSHCommand is how to reach the head node with the generated config.
func (s Summary) SSHCommand() string {
	if s.SSHConfigFile == "" {
		return ""
	}
	return "ssh -F " + s.SSHConfigFile + " air-" + s.NodeName
}
