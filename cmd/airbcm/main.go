package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"airbcm/cmd/airbcm/ui"
	"airbcm/internal/air"
	"airbcm/internal/config"
	"airbcm/internal/deploy"
	"airbcm/internal/logging"
	"airbcm/internal/progress"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	envPath    string
	apiURL     string
	internal   bool
	verbose    bool

	cfg    *config.Config
	styles ui.Styles
)

var rootCmd = &cobra.Command{
	Use:   "airbcm",
	Short: "Deploy BCM head nodes onto NVIDIA Air simulations",
	Long: `airbcm creates (or adopts) an NVIDIA Air simulation from a topology,
boots it, prepares the BCM head node and runs the BCM installer.

Every step is checkpointed in <log_dir>/progress.json so an interrupted
deployment can continue with "airbcm deploy --resume".`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "airbcm.yaml", "Config file (optional)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "Env file with AIR_* and BCM_* settings")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Air API base URL (overrides AIR_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&internal, "internal", false, "Use "+config.InternalAPIURL)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(userconfigsCmd)
	rootCmd.AddCommand(simInfoCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(clearProgressCmd)
	rootCmd.AddCommand(checkCmd)
}

// setup loads .env, the config file and the environment, then starts logging.
func setup(cmd *cobra.Command, args []string) error {
	styles = ui.DefaultStyles()
	if err := config.LoadDotEnv(envPath); err != nil {
		return err
	}
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	c.API.URL = c.ResolveAPIURL(apiURL, internal)
	cfg = c

	if err := logging.Initialize(cfg.LoggingOptions(verbose)); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := logging.InitAudit(); err != nil {
		logging.BootWarn("Audit log unavailable: %v", err)
	}
	logging.Boot("airbcm %s (api %s, namespace %q)", cmd.Name(), cfg.API.URL, cfg.Namespace)
	logging.BootDebug("config=%s env=%s logs=%s", configPath, envPath, cfg.LogDir())
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newAPI builds a client for the configured site and logs in.
func newAPI(ctx context.Context) (*air.Client, error) {
	if config.IsPlaceholder(cfg.API.Token) || cfg.API.Username == "" {
		return nil, fmt.Errorf("AIR_API_TOKEN and AIR_USERNAME must be set (see %s)", envPath)
	}
	c := air.NewClient(air.Config{
		BaseURL:   cfg.API.URL,
		Username:  cfg.API.Username,
		Token:     cfg.API.Token,
		Timeout:   cfg.GetHTTPTimeout(),
		RateLimit: cfg.API.RateLimit,
		Burst:     cfg.API.Burst,
		Retries:   cfg.API.Retries,
	})
	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func tracker() *progress.Tracker {
	return progress.Open(cfg.LogDir())
}

// exitCode maps an error onto the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case errors.Is(err, deploy.ErrInvalidOptions):
		return 2
	}
	return 1
}

// printError writes err plus a troubleshooting hint for common failures.
func printError(w io.Writer, err error) {
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(w, "\nInterrupted. Progress saved; continue with: airbcm deploy --resume")
		return
	}
	fmt.Fprintln(w, styles.Fail(err.Error()))
	for _, hint := range hints(err) {
		fmt.Fprintln(w, styles.Muted.Render("  "+hint))
	}
}

func hints(err error) []string {
	var dns *net.DNSError
	switch {
	case errors.Is(err, air.ErrUnauthorized):
		return []string{
			"Check AIR_USERNAME and AIR_API_TOKEN in your env file.",
			"Tokens are site specific: air.nvidia.com and air-inside.nvidia.com need different tokens.",
		}
	case errors.Is(err, progress.ErrLocked):
		return []string{"Another airbcm deploy is running with the same log directory (set LOCAL_NAMESPACE to run in parallel)."}
	case errors.As(err, &dns):
		return []string{"Could not resolve " + dns.Name + ". Check DNS, VPN and proxy settings (--internal needs the corporate network)."}
	}
	return nil
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		if styles.Theme.Primary == "" {
			styles = ui.DefaultStyles()
		}
		printError(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}
