// Package main is the entrypoint for the printerup CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/projectdiscovery/gologger"
	"github.com/projectdiscovery/gologger/levels"
	"github.com/spf13/cobra"

	"github.com/Jacob10383/printerup/internal/bundle"
	"github.com/Jacob10383/printerup/internal/config"
	"github.com/Jacob10383/printerup/internal/executor"
	"github.com/Jacob10383/printerup/internal/installer"
	"github.com/Jacob10383/printerup/internal/lifecycle"
	"github.com/Jacob10383/printerup/internal/localcmd"
	"github.com/Jacob10383/printerup/internal/output"
	"github.com/Jacob10383/printerup/internal/probe"
	"github.com/Jacob10383/printerup/internal/session"
	"github.com/Jacob10383/printerup/internal/transfer"
	"github.com/Jacob10383/printerup/pkg/facts"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug      bool
	noColor    bool
	configPath string
	flagHost   string
	flagPass   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "printerup",
	Short: "Printerup - provisioning for embedded 3D printer controllers",
	Long: `Printerup provisions Creality K-series printer controllers over SSH:
factory reset, bootstrap install, improvements stack, and backup or
restore of printer state.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output with streamed device lines")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&flagHost, "host", "H", "", "Device address (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&flagPass, "password", "p", "", "Device password (overrides config)")

	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(factsCmd)
}

// loadConfig merges the config file with command line overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.ParseFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if flagHost != "" {
		cfg.Device.Host = flagHost
	}
	if flagPass != "" {
		cfg.Device.Password = flagPass
	}
	if cfg.Device.Host == "" {
		return nil, fmt.Errorf("no device host: pass --host or set device.host in the config")
	}
	return cfg, nil
}

// setup prepares logging and a cancellable context wired to SIGINT.
func setup() (context.Context, context.CancelFunc) {
	if debug {
		gologger.DefaultLogger.SetMaxLevel(levels.LevelDebug)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
		cancel()
	}()

	return ctx, cancel
}

func newOutput() *output.Output {
	out := output.New(os.Stdout)
	out.SetColor(!noColor)
	out.SetDebug(debug)
	return out
}

// connect builds the session and executor for a device and kicks off
// an advisory reachability probe while the real connection is made.
// The probe dials Moonraker rather than sshd, so it answers whether
// the device is up at all when the SSH connect fails.
func connect(ctx context.Context, cfg *config.Config) (*session.Manager, *executor.Executor, error) {
	p := probe.New(cfg.Device.Host, cfg.Device.MoonrakerPort, 0)
	p.Start()

	mgr := session.NewManager(session.Config{
		Host:              cfg.Device.Host,
		Port:              cfg.Device.Port,
		User:              cfg.Device.User,
		Password:          cfg.Device.Password,
		ConnectTimeout:    cfg.Device.ConnectTimeout.Std(),
		KeepaliveInterval: cfg.Device.KeepaliveInterval.Std(),
	})

	if err := mgr.Connect(ctx, false); err != nil {
		// A probe that never finished counts as failed too.
		if st := p.Wait(time.Second); !st.Connected {
			gologger.Error().Msg(st.Message)
		}
		return nil, nil, err
	}

	return mgr, executor.New(executor.ManagerSession{Manager: mgr}), nil
}

func newLifecycle(mgr *session.Manager, exec *executor.Executor) *lifecycle.Controller {
	return lifecycle.NewController(mgr, exec, lifecycle.Config{})
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Run the full provisioning flow against a device",
	Long: `Provision a device end to end: verify access, upload and run the
bootstrap archive, wait for the device to come back, install the
improvements stack and optionally restore a saved backup.

Examples:
  printerup provision -c printer.yaml
  printerup provision -H 10.0.0.5 -p creality --archive bootstrap.tar.gz
  printerup provision -c printer.yaml --restore ./printer-backup`,
	RunE: runProvision,
}

var (
	provisionArchive string
	provisionRestore string
	provisionReset   bool
)

func init() {
	provisionCmd.Flags().StringVar(&provisionArchive, "archive", "", "Local bootstrap archive (overrides config)")
	provisionCmd.Flags().StringVar(&provisionRestore, "restore", "", "Bundle directory to restore after install")
	provisionCmd.Flags().BoolVar(&provisionReset, "factory-reset", false, "Factory reset the device before provisioning")
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := setup()
	defer cancel()

	mgr, exec, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctl := newLifecycle(mgr, exec)
	if provisionReset {
		if err := ctl.Reset(ctx); err != nil {
			return err
		}
	}

	archive := cfg.Install.BootstrapArchive
	if provisionArchive != "" {
		archive = provisionArchive
	}

	engine := transfer.NewEngine(transfer.SFTP{Sessions: mgr}, transfer.Config{})
	orch := bundle.NewOrchestrator(engine, exec, nil)

	gather := func(ctx context.Context, r installer.Runner) (map[string]any, error) {
		return facts.Gather(ctx, r)
	}
	inst := installer.New(mgr.Addr(), exec, ctl, orch, gather, newOutput())
	outcome := inst.Run(ctx, installer.Options{
		BootstrapArchive: archive,
		RepoURL:          cfg.Install.RepoURL,
		Branch:           cfg.Install.Branch,
		FeatureTimeout:   cfg.Install.FeatureTimeout.Std(),
		RestoreBundle:    provisionRestore,
	})

	if outcome.Kind != installer.OutcomeOK {
		gologger.Error().Msgf("provisioning %s: %s", outcome.Kind, outcome.Err)
		os.Exit(1)
	}
	return nil
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Factory reset the device and wait for it to come back",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := setup()
		defer cancel()

		mgr, exec, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		if err := newLifecycle(mgr, exec).Reset(ctx); err != nil {
			return err
		}
		gologger.Info().Msg("device reset and back online")
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Save printer databases and gcodes into a local bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := setup()
		defer cancel()

		mgr, exec, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		engine := transfer.NewEngine(transfer.SFTP{Sessions: mgr}, transfer.Config{})
		orch := bundle.NewOrchestrator(engine, exec, nil)

		results, err := orch.Backup(ctx, cfg.Backup.Dir)
		printBundleResults(results)
		return err
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a saved bundle onto the device",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := setup()
		defer cancel()

		mgr, exec, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		engine := transfer.NewEngine(transfer.SFTP{Sessions: mgr}, transfer.Config{})
		orch := bundle.NewOrchestrator(engine, exec, nil)

		results, err := orch.Restore(ctx, cfg.Backup.Dir)
		printBundleResults(results)
		return err
	},
}

func printBundleResults(results []bundle.Result) {
	out := newOutput()
	for _, res := range results {
		status := output.StatusOK
		msg := fmt.Sprintf("%d file(s)", len(res.Files))
		if len(res.Errors) > 0 {
			status = output.StatusFailed
			msg = fmt.Sprintf("%d file(s), %d failed", len(res.Files), len(res.Errors))
		}
		out.StepResult(res.Component, status, msg)
		for _, fe := range res.Errors {
			out.Error("%s: %v", fe.Path, fe.Err)
		}
	}
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Generate an SSH key and install it on the device",
	Long: `Generate a local ed25519 key pair if none exists and install the
public key on the device, so later runs skip the password prompt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := setup()
		defer cancel()

		keyPath, _ := cmd.Flags().GetString("key")
		inst, err := localcmd.NewKeyInstaller(localcmd.New(), keyPath)
		if err != nil {
			return err
		}
		if err := inst.EnsureKey(ctx); err != nil {
			return err
		}
		return inst.CopyTo(ctx, cfg.Device.Host, cfg.Device.Port, cfg.Device.User, cfg.Device.Password)
	},
}

func init() {
	keyCmd.Flags().String("key", "", "Private key path (default ~/.ssh/id_ed25519)")
}

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Print device facts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := setup()
		defer cancel()

		mgr, exec, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		gathered, err := facts.Gather(ctx, exec)
		if err != nil {
			return err
		}
		for k, v := range gathered {
			fmt.Printf("%s: %v\n", k, v)
		}
		return nil
	},
}
