// cmd/peek.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/broker"
)

var (
	peekDLQCount int
	peekNoColor  bool
)

var peekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Inspect queue depths, pending counts and dead-letter entries",
	Long: `Shows the current depth of the work and result queues, how many
result messages are pending (claimed but unacknowledged), and the most
recent dead-letter entries for manual inspection.`,
	RunE: runPeek,
}

func runPeek(cmd *cobra.Command, args []string) error {
	if peekNoColor {
		color.NoColor = true
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse broker URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := cmd.Context()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to broker %s: %w", broker.MaskURL(cfg.RedisURL), err)
	}

	headerColor := color.New(color.FgCyan, color.Bold)
	headerColor.Println("Queues")

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tDEPTH\tPENDING\tDEAD-LETTERED")
	for _, q := range []struct {
		stream, group, dlq string
	}{
		{cfg.WorkQueue, "", cfg.WorkDeadLetter()},
		{cfg.ResultQueue, cfg.ConsumerGroup, cfg.ResultDeadLetter()},
	} {
		depth, _ := client.XLen(ctx, q.stream).Result()
		pending := int64(0)
		if q.group != "" {
			if p, err := client.XPending(ctx, q.stream, q.group).Result(); err == nil {
				pending = p.Count
			}
		}
		dead, _ := client.XLen(ctx, q.dlq).Result()
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", q.stream, depth, pending, dead)
	}
	w.Flush()

	headerColor.Printf("\nDead-letter entries (last %d)\n", peekDLQCount)
	for _, dlq := range []string{cfg.WorkDeadLetter(), cfg.ResultDeadLetter()} {
		msgs, err := client.XRevRangeN(ctx, dlq, "+", "-", int64(peekDLQCount)).Result()
		if err != nil || len(msgs) == 0 {
			continue
		}
		fmt.Printf("%s:\n", dlq)
		for _, m := range msgs {
			reason, _ := m.Values["reason"].(string)
			movedAt, _ := m.Values["moved_at"].(string)
			id, _ := m.Values[broker.FieldID].(string)
			color.New(color.FgYellow).Printf("  %s", m.ID)
			fmt.Printf("  id=%s  moved_at=%s  reason=%s\n", id, movedAt, reason)
		}
	}
	return nil
}

func init() {
	peekCmd.Flags().IntVar(&peekDLQCount, "dlq-count", 10, "number of dead-letter entries to show per queue")
	peekCmd.Flags().BoolVar(&peekNoColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(peekCmd)
}
