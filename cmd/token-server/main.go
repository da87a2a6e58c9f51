// Command token-server runs the OAuth2 token endpoint, the revocation
// endpoint and a protected resource-owner endpoint backed by the memory or
// Valkey store.
//
//	# development: in-memory store seeded from flags
//	token-server --issuer https://auth.example.com \
//	  --seed-client-id reporting --seed-client-secret s3cret \
//	  --seed-username alice --seed-password correct-horse
//
//	# production: Valkey store, signed bearer tokens, Prometheus metrics
//	OAUTH_TOKENS_ENCRYPTION_KEY=$(token-server genkey) \
//	token-server --store valkey --valkey-address valkey:6379 \
//	  --response-format bearer --signing-key /etc/oauth/signing.pem \
//	  --metrics-exporter prometheus
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time
var version = "dev"

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(logger, &level)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}
