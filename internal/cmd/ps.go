package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(psCmd)
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List persisted VMs in the owner scope",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, registry, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		names, err := registry.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("no VMs")
			return nil
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tINSTANCE\tCPUS\tMEMORY\tPROTECTED")
		for _, name := range names {
			sess, err := registry.Get(name)
			if err != nil {
				fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", name)
				continue
			}
			cfg := sess.Config()
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\n",
				name, sess.InstanceID(), cfg.CPUs, cfg.MemoryBytes, cfg.Protected)
		}
		return w.Flush()
	},
}
