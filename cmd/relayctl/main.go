// Command relayctl talks to a running relay over its websocket channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taskrelay/internal/channel"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	url     string
	token   string
	timeout time.Duration
	json    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorText(err.Error()))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Inspect and drive a task relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.url, "url", envOr("TASKRELAY_URL", "ws://localhost:8787/ws"), "relay websocket endpoint")
	pf.StringVar(&opts.token, "token", os.Getenv("TASKRELAY_SERVER_TOKEN"), "shared channel token")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-call timeout")
	pf.BoolVar(&opts.json, "json", false, "print raw JSON payloads")

	root.AddCommand(
		newStatusCmd(opts),
		newEventsCmd(opts),
		newTasksCmd(opts),
		newWorkflowCmd(opts),
		newFetchCmd(opts),
		newRecoverCmd(opts),
	)
	return root
}

// dial connects to the relay; the returned context is cancelled on SIGINT.
func dial(cmd *cobra.Command, opts *globalOptions) (context.Context, *channel.Client, func(), error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := channel.Dial(dialCtx, channel.ClientConfig{
		URL:         opts.url,
		Token:       opts.token,
		CallTimeout: opts.timeout,
	})
	if err != nil {
		stop()
		return nil, nil, nil, fmt.Errorf("connect %s: %w", opts.url, err)
	}
	closeFn := func() {
		client.Destroy()
		stop()
	}
	return ctx, client, closeFn, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
