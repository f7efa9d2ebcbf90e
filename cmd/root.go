// cmd/root.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/config"
)

var cfgFile string

// loadConfig builds the effective configuration: defaults, then the
// optional config file, then the environment.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		if err := cfg.ApplyFile(cfgFile); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "waspbridge",
	Short: "Messaging bridge between the WhatsApp ingestion service and the AI agent",
	Long: `waspbridge is the asynchronous messaging bridge of the Wasp AI bot.

It hands AI-processing work from the webhook service to the agent through
a durable work queue, and carries the agent's replies back through a
result queue to the outbound send-message channel, with bounded retries
and dead-lettering on failure.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, optional)")
}
