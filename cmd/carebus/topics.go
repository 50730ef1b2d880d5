package carebus

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeflare/carebus/pkg/topic"
)

var topicsCmd = &cobra.Command{
	Use:     "topics",
	Aliases: []string{"t"},
	Short:   "Inspect topics",
}

var topicsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog and cluster topics with their drift",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		topics, err := c.Inspector().ListTopics(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), topics)
		}
		tw := newTable(cmd.OutOrStdout(), "NAME", "CLASS", "PARTITIONS", "RF", "CLEANUP", "RETENTION", "STATUS")
		for _, t := range topics {
			status := "ok"
			switch {
			case !t.Managed:
				status = "unmanaged"
			case !t.Provisioned:
				status = "missing"
			case len(t.Drift) > 0:
				status = "drift: " + strings.Join(t.Drift, "; ")
			}
			class := string(t.Spec.Class)
			if class == "" {
				class = "-"
			}
			row(tw, t.Spec.Name, class, t.Spec.Partitions, t.Spec.ReplicationFactor, t.Spec.CleanupPolicy, retention(t.Spec), status)
		}
		return tw.Flush()
	},
}

var topicsDescribeCmd = &cobra.Command{
	Use:   "describe NAME",
	Short: "Show a topic's partitions, leaders and offsets",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		desc, err := c.Inspector().DescribeTopic(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), desc)
		}
		tw := newTable(cmd.OutOrStdout(), "PARTITION", "LEADER", "REPLICAS", "ISR", "START", "HIGH WATERMARK")
		for _, p := range desc.Partitions {
			row(tw, p.ID, p.Leader, p.Replicas, p.ISR, p.StartOffset, p.HighWatermark)
		}
		return tw.Flush()
	},
}

var topicsCatalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the effective topic catalog as YAML",
	Long:  `Print the built-in catalog merged with configured topics, in the format the topics section of the config file accepts.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := cfg.Catalog()
		if err != nil {
			return err
		}
		if jsonOutput() {
			return printJSON(cmd.OutOrStdout(), catalog.List())
		}
		return topic.WriteYAML(cmd.OutOrStdout(), catalog.List())
	},
}

func init() {
	topicsCmd.AddCommand(topicsListCmd, topicsDescribeCmd, topicsCatalogCmd)
}
