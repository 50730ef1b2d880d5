package carebus

import (
	"fmt"

	"github.com/spf13/cobra"
)

var groupsCmd = &cobra.Command{
	Use:     "groups",
	Aliases: []string{"g"},
	Short:   "Inspect consumer groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List consumer groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		groups, err := c.Inspector().ListGroups(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), groups)
		}
		tw := newTable(cmd.OutOrStdout(), "GROUP", "STATE", "MEMBERS")
		for _, g := range groups {
			row(tw, g.ID, g.State, g.Members)
		}
		return tw.Flush()
	},
}

var groupsLagCmd = &cobra.Command{
	Use:   "lag GROUP",
	Short: "Show how far a group trails each partition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		lag, err := c.Inspector().GroupLag(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), lag)
		}
		tw := newTable(cmd.OutOrStdout(), "TOPIC", "PARTITION", "COMMITTED", "HIGH WATERMARK", "LAG")
		for _, p := range lag.Partitions {
			committed := fmt.Sprint(p.Committed)
			if p.Committed < 0 {
				committed = "-"
			}
			row(tw, p.Topic, p.Partition, committed, p.HighWatermark, p.Lag)
		}
		row(tw, "TOTAL", "", "", "", lag.Total)
		return tw.Flush()
	},
}

func init() {
	groupsCmd.AddCommand(groupsListCmd, groupsLagCmd)
}
