package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ggoodman/mcp-gateway-go/artifacts"
	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/internal/upstream"
	"github.com/ggoodman/mcp-gateway-go/mapbox"
	"github.com/ggoodman/mcp-gateway-go/sessions"
	"github.com/ggoodman/mcp-gateway-go/sessions/memorystore"
	"github.com/ggoodman/mcp-gateway-go/sessions/redisstore"
	"github.com/ggoodman/mcp-gateway-go/streaminghttp"
	"github.com/ggoodman/mcp-gateway-go/tools"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the gateway HTTP server.

Configuration is read from the environment (see LISTEN_ADDR, PUBLIC_URL,
JWT_SECRET, OIDC_ISSUER, MAPBOX_ACCESS_TOKEN, REDIS_ADDR).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg.logLevel()))
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address to listen on (overrides LISTEN_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg *Config, log *slog.Logger) error {
	if cfg.MapboxToken == "" {
		log.WarnContext(ctx, "config.mapbox_token.missing")
	}

	store, closeStore, err := newEventStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := sessions.NewRegistry(
		sessions.WithEventStore(store),
		sessions.WithTTL(cfg.SessionTTL),
		sessions.WithHeartbeatInterval(cfg.Heartbeat),
		sessions.WithLogger(log),
	)

	art := artifacts.NewStore(cfg.publicBase()+"/artifacts",
		artifacts.WithTTL(cfg.ArtifactTTL),
		artifacts.WithMaxTotalBytes(cfg.ArtifactMaxBytes),
		artifacts.WithLogger(log),
	)

	up := upstream.New(
		upstream.WithRateLimit(rate.Limit(cfg.UpstreamRPS), max(1, int(cfg.UpstreamRPS))),
		upstream.WithMaxTries(cfg.UpstreamMaxTries),
		upstream.WithUserAgent("mcp-gateway/"+version),
		upstream.WithLogger(log),
	)
	geo := mapbox.New(cfg.MapboxToken, up,
		mapbox.WithBaseURL(cfg.MapboxBaseURL),
		mapbox.WithArtifacts(art),
		mapbox.WithLogger(log),
	)
	reg, err := tools.NewRegistry(geo.Tools()...)
	if err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	authenticator, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}

	h, err := streaminghttp.New(cfg.PublicURL, registry, reg, authenticator,
		streaminghttp.WithServerVersion(version),
		streaminghttp.WithLogger(log),
		streaminghttp.WithDevMode(cfg.DevMode),
		streaminghttp.WithUnscopedMethods(cfg.unscopedMethods()...),
		streaminghttp.WithMaxConcurrency(cfg.MaxConcurrency),
		streaminghttp.WithStreamBufferSize(cfg.StreamBufferSize),
		streaminghttp.WithRouterOptions(cfg.routerOptions()),
		streaminghttp.WithArtifacts("/artifacts", art.Handler()),
		streaminghttp.WithScopesSupported(
			mapbox.ScopeGeocode,
			mapbox.ScopeSearch,
			mapbox.ScopeDirections,
			mapbox.ScopeIsochrone,
			mapbox.ScopeMatrix,
			mapbox.ScopeStatic,
		),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "server.listen", slog.String("addr", cfg.ListenAddr), slog.String("public_url", cfg.PublicURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := registry.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		art.Run(gctx, 0)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server.shutdown")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		// Streams end first so Shutdown is not held open by SSE responses.
		if err := registry.Shutdown(sctx); err != nil {
			log.Error("session.shutdown.fail", slog.String("err", err.Error()))
		}
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func newEventStore(ctx context.Context, cfg *Config) (sessions.EventStore, func(), error) {
	if cfg.RedisAddr == "" {
		return memorystore.New(memorystore.WithMaxEvents(cfg.SessionBufferSize)), func() {}, nil
	}
	st, err := redisstore.New(ctx, redisstore.Config{
		RedisAddr: cfg.RedisAddr,
		MaxEvents: int64(cfg.SessionBufferSize),
		TTL:       cfg.SessionTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

// newAuthenticator prefers discovery, then a fixed JWKS, then a shared secret.
func newAuthenticator(ctx context.Context, cfg *Config) (auth.Authenticator, error) {
	opts := []auth.AccessTokenAuthOption{auth.WithLeeway(time.Minute)}
	switch {
	case cfg.OIDCIssuer != "":
		return auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, cfg.audience(), opts...)
	case cfg.JWKSURL != "":
		return auth.NewJWKS(ctx, cfg.JWKSURL, cfg.JWTIssuer, cfg.audience(), opts...)
	default:
		return auth.NewHMAC([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.audience(), opts...)
	}
}
