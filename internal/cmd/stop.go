package cmd

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeCmd)
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Request shutdown of a running VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, registry, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		sess, err := registry.Get(args[0])
		if err != nil {
			return err
		}
		return sess.Stop()
	},
}

var suspendCmd = &cobra.Command{
	Use:   "suspend <name>",
	Short: "Pause a running VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, registry, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		sess, err := registry.Get(args[0])
		if err != nil {
			return err
		}
		return sess.Suspend()
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Resume a suspended VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, registry, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		sess, err := registry.Get(args[0])
		if err != nil {
			return err
		}
		return sess.Resume()
	},
}
