package carebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeflare/carebus/pkg/deadletter"
)

var errNoArchive = errors.New("no dead-letter archive configured (set deadLetter.archive.connString)")

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Read and replay dead-lettered events",
}

var (
	tailGroup   string
	tailLimit   int
	tailCommit  bool
	tailFollow  bool
	showPayload bool
)

var dlqTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print records from the dead-letter topic",
	Long: `Tail reads the dead-letter topic as a consumer group. Without --commit the
group's position is left unchanged so the same records show up again.`,
	Args: cobra.NoArgs,
	RunE: runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	sub, err := c.SubscribeDeadLetter(ctx, tailGroup)
	if err != nil {
		return err
	}
	defer sub.Close()

	w := cmd.OutOrStdout()
	seen := 0
	for tailLimit <= 0 || seen < tailLimit {
		pctx, cancel := context.WithTimeout(ctx, cfg.Consumer.PollTimeout)
		entries, err := sub.Poll(pctx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			if tailFollow {
				continue
			}
			return nil
		}
		if err != nil {
			return err
		}
		if tailLimit > 0 && len(entries) > tailLimit-seen {
			entries = entries[:tailLimit-seen]
		}
		for _, e := range entries {
			if err := printEntry(w, e.Record, nil); err != nil {
				return err
			}
		}
		seen += len(entries)
		if tailCommit && len(entries) > 0 {
			if err := sub.Commit(ctx, entries); err != nil {
				return err
			}
		}
	}
	return nil
}

// entryView leaves the payload out unless asked for, since it may carry
// patient data.
type entryView struct {
	ID         string          `json:"id"`
	EventID    string          `json:"eventId,omitempty"`
	EventType  string          `json:"eventType"`
	Group      string          `json:"group,omitempty"`
	Attempts   int             `json:"attempts"`
	ErrorClass string          `json:"errorClass"`
	Error      string          `json:"error"`
	FailedAt   time.Time       `json:"failedAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RawPayload []byte          `json:"rawPayload,omitempty"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedBy string          `json:"resolvedBy,omitempty"`
}

func newEntryView(r deadletter.Record, a *deadletter.Archived) entryView {
	v := entryView{
		ID: r.ID(), EventID: r.EventID, EventType: r.EventType, Group: r.Group, Attempts: r.Attempts,
		ErrorClass: r.ErrorClass, Error: r.Error, FailedAt: r.FailedAt,
	}
	if showPayload {
		v.Payload, v.RawPayload = r.Payload, r.RawPayload
	}
	if a != nil {
		v.ResolvedAt, v.ResolvedBy = a.ResolvedAt, a.ResolvedBy
	}
	return v
}

// printEntry writes one JSON line per record.
func printEntry(w io.Writer, r deadletter.Record, a *deadletter.Archived) error {
	b, err := json.Marshal(newEntryView(r, a))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

var (
	listTopic      string
	listGroup      string
	listUnresolved bool
	listLimit      int
)

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived dead-letter records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		if c.Archive == nil {
			return errNoArchive
		}

		records, err := c.Archive.List(cmd.Context(), deadletter.Filter{Topic: listTopic, Group: listGroup, Unresolved: listUnresolved, Limit: listLimit})
		if err != nil {
			return err
		}
		if jsonOutput() {
			for i := range records {
				if err := printEntry(cmd.OutOrStdout(), records[i].Record, &records[i]); err != nil {
					return err
				}
			}
			return nil
		}
		tw := newTable(cmd.OutOrStdout(), "ID", "EVENT TYPE", "GROUP", "ATTEMPTS", "CLASS", "FAILED AT", "RESOLVED BY")
		for _, a := range records {
			resolvedBy := a.ResolvedBy
			if a.ResolvedAt == nil {
				resolvedBy = "-"
			}
			row(tw, a.ID(), a.EventType, a.Group, a.Attempts, a.ErrorClass, a.FailedAt.Format(time.RFC3339), resolvedBy)
		}
		return tw.Flush()
	},
}

var (
	replayPayloadFile string
	replayOperator    string
	replayForce       bool
)

var dlqReplayCmd = &cobra.Command{
	Use:   "replay ID",
	Short: "Re-publish an archived dead-letter record to its origin topic",
	Long: `Replay publishes the archived record, or a corrected payload read from
--payload-file, as a new event on the origin topic. The corrected payload is
validated against the event's schema. The archived record is marked resolved
by --operator.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayOperator == "" {
		return errors.New("--operator is required")
	}
	var corrected json.RawMessage
	if replayPayloadFile != "" {
		b, err := os.ReadFile(replayPayloadFile)
		if err != nil {
			return err
		}
		if !json.Valid(b) {
			return fmt.Errorf("%s: not valid JSON", replayPayloadFile)
		}
		corrected = b
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	if c.Archive == nil {
		return errNoArchive
	}

	archived, err := c.Archive.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if archived.ResolvedAt != nil && !replayForce {
		return fmt.Errorf("%s was resolved by %s at %s; use --force to replay again",
			archived.ID(), archived.ResolvedBy, archived.ResolvedAt.Format(time.RFC3339))
	}
	rec, err := c.Replayer(replayOperator).Resubmit(cmd.Context(), archived.Record, corrected)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "replayed %s as %s\n", archived.ID(), rec.Coordinates())
	return nil
}

func init() {
	dlqTailCmd.Flags().StringVar(&tailGroup, "group", "carebus-dlq-tail", "consumer group to read as")
	dlqTailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 0, "stop after this many records (0 for no limit)")
	dlqTailCmd.Flags().BoolVar(&tailCommit, "commit", false, "commit printed records for the group")
	dlqTailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "keep waiting for new records")
	dlqTailCmd.Flags().BoolVar(&showPayload, "payload", false, "include event payloads in the output")

	dlqListCmd.Flags().StringVar(&listTopic, "topic", "", "only records from this origin topic")
	dlqListCmd.Flags().StringVar(&listGroup, "group", "", "only records dead-lettered by this consumer group")
	dlqListCmd.Flags().BoolVar(&listUnresolved, "unresolved", false, "only records not yet resolved")
	dlqListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum records to list (default 100)")
	dlqListCmd.Flags().BoolVar(&showPayload, "payload", false, "include event payloads in json output")

	dlqReplayCmd.Flags().StringVar(&replayPayloadFile, "payload-file", "", "JSON file with the corrected payload")
	dlqReplayCmd.Flags().StringVar(&replayOperator, "operator", os.Getenv("USER"), "who resolves the record")
	dlqReplayCmd.Flags().BoolVar(&replayForce, "force", false, "replay a record that was already resolved")

	dlqCmd.AddCommand(dlqTailCmd, dlqListCmd, dlqReplayCmd)
}
