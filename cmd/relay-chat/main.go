// Command relay-chat is an interactive terminal client for a relay gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/entrhq/relay/pkg/chatcli"
)

func main() {
	apiURL := flag.String("api-url", envOr("RELAY_API_URL", "http://localhost:8000/v1"), "Gateway base URL")
	model := flag.String("model", envOr("RELAY_MODEL", "aipi/anthropic/claude-3.5-sonnet"), "Model ID")
	session := flag.String("session", "", "Provider session name")
	noStream := flag.Bool("no-stream", false, "Wait for the whole reply instead of streaming")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chat := chatcli.New(*apiURL,
		chatcli.WithModel(*model),
		chatcli.WithSession(*session),
		chatcli.WithStreaming(!*noStream),
	)
	if err := chat.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "relay-chat: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
