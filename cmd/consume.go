// cmd/consume.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/broker"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/consumer"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/delivery"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/stats"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run the result-queue consumer until interrupted",
	Long: `Drains the result queue: each result envelope from the agent is
validated, its reply is delivered through the send-message API, and the
message is acknowledged. Failures are retried up to the attempt budget,
then dead-lettered.

Examples:
  # Consume with broker and delivery endpoint from the environment
  REDIS_URL=redis://localhost:6379 DELIVERY_URL=http://localhost:3000/send waspbridge consume

  # Consume with a config file
  waspbridge consume --config bridge.yaml`,
	RunE: runConsume,
}

func runConsume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DeliveryURL == "" {
		return fmt.Errorf("delivery URL is required: set DELIVERY_URL or delivery_url in the config file")
	}

	sender, err := delivery.NewHTTPSender(delivery.HTTPSenderConfig{
		URL:           cfg.DeliveryURL,
		Token:         cfg.DeliveryToken,
		Timeout:       cfg.DeliveryTimeout,
		RatePerSecond: cfg.DeliveryRateRPS,
	})
	if err != nil {
		return err
	}

	resultQueue := broker.QueueSpec{
		Stream:     cfg.ResultQueue,
		Group:      cfg.ConsumerGroup,
		TTL:        cfg.ResultQueueTTL,
		DeadLetter: cfg.ResultDeadLetter(),
	}

	manager := broker.NewManager(broker.Config{
		URL:         cfg.RedisURL,
		Password:    cfg.RedisPassword,
		Queues:      []broker.QueueSpec{resultQueue},
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	fmt.Println("--- Starting Wasp Bridge Consumer ---")
	fmt.Printf("   - Broker: %s\n", broker.MaskURL(cfg.RedisURL))
	fmt.Printf("   - Result queue: %s (group: %s)\n", cfg.ResultQueue, cfg.ConsumerGroup)
	fmt.Printf("   - Dead-letter: %s\n", cfg.ResultDeadLetter())
	fmt.Printf("   - Prefetch: %d, max attempts: %d\n", cfg.Prefetch, cfg.MaxDeliveryAttempts)

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("initial broker connection failed: %w", err)
	}
	defer manager.Close()

	counters := &stats.Counters{}
	c := consumer.New(consumer.Config{
		Manager:             manager,
		Queue:               resultQueue,
		Deliver:             sender.Send,
		Prefetch:            cfg.Prefetch,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		Block:               time.Duration(cfg.BlockMs) * time.Millisecond,
		DeliveryTimeout:     cfg.DeliveryTimeout,
		Counters:            counters,
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
	}()

	color.New(color.FgGreen).Printf("   - Consumer %s listening for results...\n", c.Name())
	if err := c.Run(ctx); err != nil {
		return err
	}

	snap := counters.Snapshot()
	fmt.Printf("Session stats: received=%d delivered=%d requeued=%d dead_lettered=%d rejected=%d\n",
		snap.Received, snap.Delivered, snap.Requeued, snap.DeadLettered, snap.Rejected)
	return nil
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}
