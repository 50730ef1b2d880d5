package carebus

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeflare/carebus/pkg/topic"
)

var dryRun bool

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create or grow topics to match the catalog",
	Long: `Provision compares the topic catalog with the cluster. Missing topics are
created, partitions are added and retention is updated. Topics whose
cleanup policy or replication factor differ are reported as conflicts and
left untouched.`,
	RunE: runProvision,
}

func init() {
	provisionCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without changing the cluster")
}

func runProvision(cmd *cobra.Command, args []string) error {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	var actions []topic.Action
	if dryRun {
		existing, err := c.Broker.Topics(cmd.Context())
		if err != nil {
			return err
		}
		actions = topic.Plan(c.Catalog.List(), existing)
	} else {
		actions, err = topic.Apply(cmd.Context(), c.Broker, c.Catalog.List(), logger.Named("provision"))
	}
	if perr := printActions(cmd.OutOrStdout(), actions); perr != nil {
		return perr
	}
	return err
}

type actionView struct {
	Topic   string   `json:"topic"`
	Action  string   `json:"action"`
	Reasons []string `json:"reasons,omitempty"`
}

func printActions(w io.Writer, actions []topic.Action) error {
	if jsonOutput() {
		views := make([]actionView, 0, len(actions))
		for _, a := range actions {
			views = append(views, actionView{Topic: a.Spec.Name, Action: string(a.Kind), Reasons: a.Reasons})
		}
		return printJSON(w, views)
	}
	tw := newTable(w, "TOPIC", "ACTION", "DETAILS")
	for _, a := range actions {
		details := strings.Join(a.Reasons, "; ")
		if details == "" {
			details = "-"
		}
		row(tw, a.Spec.Name, a.Kind, details)
	}
	return tw.Flush()
}
