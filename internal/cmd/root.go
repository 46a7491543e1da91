package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/quarkvm/vmlauncher/internal/backend"
	"github.com/quarkvm/vmlauncher/internal/config"
	"github.com/quarkvm/vmlauncher/internal/vmm"
)

var (
	cfgFile     string
	debug       bool
	ownerFlag   string
	backendFlag string
)

var rootCmd = &cobra.Command{
	Use:   "vmlauncher",
	Short: "vmlauncher - launch and control custom virtual machines",
	Long: `vmlauncher manages named VM sessions against the host virtualization
backend and bridges clipboard and cursor channels with the guest.

Launch a VM from a machine config:
  vmlauncher run myvm --machine-config vm_config.json

Inspect and manage sessions:
  vmlauncher ps
  vmlauncher suspend myvm
  vmlauncher resume myvm
  vmlauncher stop myvm
  vmlauncher delete myvm`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.vmlauncher/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&ownerFlag, "owner", "", "owner scope (default from config)")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "virtualization backend: vz or memory (default from config)")
}

// newLogger builds the process logger: human-readable when stderr is a
// terminal, JSON otherwise.
func newLogger() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	var cfg zap.Config
	if term.IsTerminal(int(os.Stderr.Fd())) {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// setup loads the app config and builds the logger, backend and registry
// shared by all subcommands.
func setup() (*config.Config, *zap.Logger, *vmm.Registry, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	owner := cfg.Owner
	if ownerFlag != "" {
		owner = ownerFlag
	}
	backendName := cfg.Backend
	if backendFlag != "" {
		backendName = backendFlag
	}

	be, err := newBackend(backendName, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, logger, vmm.GetInstance(owner, be, logger), nil
}

func newBackend(name string, logger *zap.Logger) (backend.Backend, error) {
	switch name {
	case "vz":
		be, err := backend.NewVZ(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vz backend: %w", err)
		}
		return be, nil
	case "memory":
		return backend.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
