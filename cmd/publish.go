// cmd/publish.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/broker"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/envelope"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/publisher"
)

var (
	publishExternalID string
	publishCallback   string
	publishName       string
	publishText       string
	publishKind       string
	publishNotes      string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish one unit of work to the work queue (smoke test)",
	Long: `Wraps a message into a work envelope and pushes it onto the work
queue, exactly as the webhook service would. Useful for exercising the
agent end to end without inbound traffic.

Example:
  waspbridge publish --callback "+10000000000" --external-id u1 --text "hello"`,
	RunE: runPublish,
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	workQueue := broker.QueueSpec{
		Stream:     cfg.WorkQueue,
		Group:      "agent-workers",
		TTL:        cfg.WorkQueueTTL,
		DeadLetter: cfg.WorkDeadLetter(),
	}

	manager := broker.NewManager(broker.Config{
		URL:         cfg.RedisURL,
		Password:    cfg.RedisPassword,
		Queues:      []broker.QueueSpec{workQueue},
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	})
	if err := manager.Connect(cmd.Context()); err != nil {
		return fmt.Errorf("broker connection failed: %w", err)
	}
	defer manager.Close()

	pub := publisher.New(publisher.Config{
		Manager:     manager,
		Queue:       workQueue,
		MaxAttempts: cfg.MaxDeliveryAttempts,
	})

	workID, err := pub.Send(cmd.Context(),
		envelope.Contact{
			ExternalID:      publishExternalID,
			CallbackAddress: publishCallback,
			DisplayName:     publishName,
		},
		envelope.Content{
			Text:            publishText,
			SourceTimestamp: time.Now().Unix(),
		},
		envelope.Context{
			FreeTextNotes: publishNotes,
		},
		envelope.TaskKind(publishKind),
	)
	if err != nil {
		return err
	}

	fmt.Printf("Published work %s to %s\n", workID, cfg.WorkQueue)
	return nil
}

func init() {
	publishCmd.Flags().StringVar(&publishExternalID, "external-id", "", "opaque conversation identity")
	publishCmd.Flags().StringVar(&publishCallback, "callback", "", "address the reply is delivered to (required)")
	publishCmd.Flags().StringVar(&publishName, "name", "", "contact display name")
	publishCmd.Flags().StringVar(&publishText, "text", "", "message text (required)")
	publishCmd.Flags().StringVar(&publishKind, "kind", string(envelope.TaskKindConversation), "task kind")
	publishCmd.Flags().StringVar(&publishNotes, "notes", "", "free-text context notes for the agent")
	publishCmd.MarkFlagRequired("callback")
	publishCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(publishCmd)
}
