// deskrelayctl - command line client for the deskrelay delivery API
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	tenantID  string
	token     string
	verbose   bool

	rootCmd = &cobra.Command{
		Use:          "deskrelayctl",
		Short:        "Talk to a deskrelay server as one tenant",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DESKRELAY_SERVER", "http://localhost:8080"), "deskrelay server base URL")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", os.Getenv("DESKRELAY_TENANT"), "tenant ID")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("DESKRELAY_TOKEN"), "tenant bearer token")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log stream state changes and retries")

	sendCmd.Flags().StringVarP(&sendConversation, "conversation", "c", "", "conversation to continue (default: start a new one)")
	sendCmd.Flags().BoolVarP(&sendWait, "wait", "w", false, "wait for the assistant reply")

	rootCmd.AddCommand(sendCmd, watchCmd, historyCmd, conversationsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
