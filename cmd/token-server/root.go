package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	oauth "github.com/giantswarm/oauth-tokens"
	"github.com/giantswarm/oauth-tokens/instrumentation"
	"github.com/giantswarm/oauth-tokens/security"
)

const (
	envPrefix = "OAUTH_TOKENS"

	// resourceOwnerPath serves the principal of a valid access token
	resourceOwnerPath = "/api/me"

	healthPath  = "/healthz"
	metricsPath = "/metrics"
)

func newRootCommand(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "token-server",
		Short:         "OAuth2 token server issuing access and refresh tokens for the password and refresh_token grants",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile(v)
			if err != nil {
				return err
			}
			if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
				return fmt.Errorf("invalid log level %q: %w", v.GetString("log-level"), err)
			}
			if configFile != "" {
				logger.Info("Loaded config file", "path", configFile)
			}

			return run(cmd.Context(), v, logger)
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "", "path to a YAML config file")

	flags := cmd.Flags()
	flags.String("listen", ":8080", "listen address")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown timeout")

	flags.String("issuer", "", "issuer placed in signed tokens and WWW-Authenticate challenges")
	flags.String("response-format", oauthDefaultFormat(), "token response format (plain, bearer)")
	flags.Duration("access-token-ttl", 0, "access token lifetime (default 1h)")
	flags.Duration("refresh-token-ttl", 0, "refresh token lifetime (default one calendar month)")
	flags.Duration("clock-skew-grace", 0, "tolerance on access token expiry (default 5s)")
	flags.Bool("strict-expiry", false, "reject access tokens as soon as they expire, without clock skew grace")
	flags.StringSlice("default-scopes", nil, "scopes granted when a password request names none")
	flags.Bool("revoke-access-token-on-refresh", true, "revoke the paired access token when a refresh token is exchanged")
	flags.Bool("require-authentication", false, "reject resource requests without an access token")

	flags.String("encryption-key", "", "base64 AES-256 key sealing refresh tokens")
	flags.String("signing-key", "", "path to a PEM private key signing bearer access tokens")
	flags.String("signing-key-id", "", "kid header of signed tokens (default: key thumbprint)")
	flags.String("verification-key", "", "path to a PEM public key verifying bearer access tokens (default: public half of the signing key)")
	flags.Bool("audit-logging", true, "emit security audit events")

	flags.Int("rate-limit", oauth.DefaultRateLimit, "token endpoint requests per second per client address (0 disables)")
	flags.Int("rate-limit-burst", oauth.DefaultRateLimitBurst, "token endpoint burst per client address")
	flags.Int("rate-limit-max-entries", 0, "maximum tracked client addresses (default 10000)")
	flags.Bool("trust-proxy", false, "derive client addresses from X-Forwarded-For")
	flags.Int("trusted-proxy-count", 0, "number of trusted proxies in front of the server")

	flags.String("store", storeMemory, "token store (memory, valkey)")
	flags.Int("max-login-attempts", 0, "consecutive failed logins before lockout (default 5, negative disables)")
	flags.String("valkey-address", "localhost:6379", "Valkey server address")
	flags.String("valkey-password", "", "Valkey password")
	flags.Int("valkey-db", 0, "Valkey database number")
	flags.String("valkey-prefix", "", "Valkey key prefix (default oauth:)")

	flags.String("seed-client-id", "", "client registered at startup")
	flags.String("seed-client-secret", "", "secret of the seeded client")
	flags.String("seed-user-id", "", "id of the seeded user (default: username)")
	flags.String("seed-username", "", "user registered at startup")
	flags.String("seed-password", "", "password of the seeded user")
	flags.StringSlice("seed-scopes", nil, "scopes registered at startup")

	flags.String("metrics-exporter", instrumentation.ExporterNone, "metrics exporter (prometheus, none)")
	flags.String("traces-exporter", instrumentation.ExporterNone, "traces exporter (otlp, none)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint")
	flags.Bool("otlp-insecure", false, "use plain HTTP for the OTLP endpoint")
	flags.Bool("log-client-ips", false, "record client addresses on request spans")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	if err := v.BindPFlag("config", cmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}

	cmd.AddCommand(newGenKeyCommand(), newVersionCommand())
	return cmd
}

func oauthDefaultFormat() string {
	return string(oauth.DefaultConfig().ResponseFormat)
}

func newGenKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Print a random base64 encryption key for --encryption-key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// run serves until ctx is cancelled, then shuts down gracefully
func run(ctx context.Context, v *viper.Viper, logger *slog.Logger) error {
	config, err := buildConfig(v, logger)
	if err != nil {
		return err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion:  version,
		Enabled:         v.GetString("metrics-exporter") != instrumentation.ExporterNone || v.GetString("traces-exporter") != instrumentation.ExporterNone,
		LogClientIPs:    v.GetBool("log-client-ips"),
		MetricsExporter: v.GetString("metrics-exporter"),
		TracesExporter:  v.GetString("traces-exporter"),
		OTLPEndpoint:    v.GetString("otlp-endpoint"),
		OTLPInsecure:    v.GetBool("otlp-insecure"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	repo, closeStore, err := openStore(ctx, v, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	srv, err := oauth.NewServer(repo, config)
	if err != nil {
		return err
	}
	srv.SetInstrumentation(inst)

	handler := oauth.NewHandler(srv, logger)
	mux := newMux(handler, inst)

	httpServer := &http.Server{
		Addr:              v.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Token server listening",
			"address", httpServer.Addr,
			"store", v.GetString("store"),
			"response_format", string(config.ResponseFormat))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			srv.Shutdown()
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down token server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	srv.Shutdown()
	if err := inst.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("instrumentation shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func newMux(handler *oauth.Handler, inst *instrumentation.Instrumentation) *http.ServeMux {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle(resourceOwnerPath, security.RequestIDMiddleware(handler.ValidateToken(http.HandlerFunc(serveResourceOwner))))
	mux.HandleFunc(healthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metrics := inst.MetricsHandler(); metrics != nil {
		mux.Handle(metricsPath, metrics)
	}
	return mux
}

// resourceOwner is the body served on resourceOwnerPath
type resourceOwner struct {
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id,omitempty"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

func serveResourceOwner(w http.ResponseWriter, r *http.Request) {
	principal, ok := oauth.PrincipalFromContext(r.Context())
	if !ok {
		// reached only when anonymous access is allowed
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resourceOwner{
		ClientID:  principal.ClientID,
		UserID:    principal.UserID,
		Scopes:    principal.Scopes,
		ExpiresAt: principal.ExpiresAt,
	})
}
