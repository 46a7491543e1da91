package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quarkvm/vmlauncher/internal/bridge"
	"github.com/quarkvm/vmlauncher/internal/config"
	"github.com/quarkvm/vmlauncher/internal/vmm"
)

var (
	machineConfigPath  string
	consoleLogPath     string
	recreateOnConflict bool
)

func init() {
	runCmd.Flags().StringVar(&machineConfigPath, "machine-config", "vm_config.json",
		"path to the machine configuration JSON")
	runCmd.Flags().StringVar(&consoleLogPath, "console-log", "",
		"write the VM console stream to this file instead of stdout")
	runCmd.Flags().BoolVar(&recreateOnConflict, "recreate-on-incompatible", true,
		"delete and recreate the VM when the new config cannot be applied to the existing one")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Create (or reuse) a VM session and run it until it stops",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		appCfg, logger, registry, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		machine, err := config.LoadMachine(machineConfigPath)
		if err != nil {
			return err
		}
		machine.ApplyDefaults(appCfg.Defaults)

		sess, err := registry.GetOrCreate(name, machine)
		if errors.Is(err, vmm.ErrIncompatibleConfig) && recreateOnConflict {
			// Caller-side convenience: throw the old VM away and start over
			// with the new config.
			logger.Warn("config incompatible with existing vm, recreating",
				zap.String("vm", name), zap.Error(err))
			if err := registry.Delete(name); err != nil {
				return err
			}
			sess, err = registry.Create(name, machine)
			if err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		done := make(chan outcome, 1)
		sess.SetCallback(&cliCallback{logger: logger, done: done})

		if err := sess.Run(); err != nil {
			return err
		}

		consoleSink := os.Stdout
		if consoleLogPath != "" {
			f, err := os.Create(consoleLogPath)
			if err != nil {
				return fmt.Errorf("failed to create console log: %w", err)
			}
			defer f.Close()
			consoleSink = f
		}
		waitDiagnostics, err := sess.ForwardDiagnostics(consoleSink)
		if err != nil {
			return err
		}

		clip := bridge.NewClipboardBridge(sess, appCfg.Channels.ClipboardPort, nil, logger)
		// The host owns focus while attached; push its clipboard to the
		// guest now and pull the guest's back when we let go.
		clip.SyncOnFocusChange(true)
		defer clip.SyncOnFocusChange(false)

		if conn, err := sess.ConnectChannel(appCfg.Channels.CursorPort); err == nil {
			cursor := bridge.NewCursorBridge(conn, bridge.PositionFunc(func(x, y float64) {
				logger.Debug("cursor", zap.Float64("x", x), zap.Float64("y", y))
			}), logger)
			cursor.Start()
			defer cursor.Close()
		} else {
			logger.Debug("cursor stream unavailable", zap.Error(err))
		}

		result := <-done
		_ = waitDiagnostics()

		if result.failed {
			return fmt.Errorf("vm %s failed: code %d: %s", name, result.code, result.message)
		}
		logger.Info("vm finished", zap.String("vm", name), zap.Int("reason", result.reason))
		return nil
	},
}

type outcome struct {
	failed  bool
	code    int
	message string
	reason  int
}

// cliCallback surfaces lifecycle outcomes to the run command. Stopped and
// Error are the terminal notifications; payload events are informational.
type cliCallback struct {
	logger *zap.Logger
	done   chan outcome
}

func (c *cliCallback) OnPayloadStarted(s *vmm.Session) {
	c.logger.Debug("payload started", zap.String("vm", s.Name()))
}

func (c *cliCallback) OnPayloadReady(s *vmm.Session) {
	c.logger.Debug("payload ready", zap.String("vm", s.Name()))
}

func (c *cliCallback) OnPayloadFinished(s *vmm.Session, exitCode int) {
	c.logger.Debug("payload finished",
		zap.String("vm", s.Name()), zap.Int("exit_code", exitCode))
}

func (c *cliCallback) OnError(s *vmm.Session, code int, message string) {
	c.done <- outcome{failed: true, code: code, message: message}
}

func (c *cliCallback) OnStopped(s *vmm.Session, reason int) {
	c.done <- outcome{reason: reason}
}
