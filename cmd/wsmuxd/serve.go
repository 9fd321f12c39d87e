package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/wsmux/internal/auth"
	"github.com/danmuck/wsmux/internal/config"
	"github.com/danmuck/wsmux/internal/observability"
	"github.com/danmuck/wsmux/internal/server"
	"github.com/juju/clock"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve wsmux sessions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(path)
			if err != nil {
				return err
			}
			observability.InitLogger(cfg.Name)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&path, "config", "cmd/wsmuxd/config.toml", "path to server config")
	return cmd
}

func newServer(cfg config.ServerConfig) (*server.Server, error) {
	policy, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	srv := server.New(server.Config{
		Name:        cfg.Name,
		Path:        cfg.Path,
		Validator:   auth.ForSecrets(cfg.Secrets...),
		Session:     policy,
		CORSOrigins: cfg.CorsOrigins,
		MaxInFlight: cfg.MaxInFlight,
	})
	if err := registerDemo(srv); err != nil {
		return nil, err
	}
	return srv, nil
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	srv, err := newServer(cfg)
	if err != nil {
		return err
	}
	ticks, err := cfg.Ticks()
	if err != nil {
		return err
	}
	policy := srv.Config().Session
	var tlsCfg *tls.Config
	if policy.TLS.Enabled {
		if tlsCfg, err = policy.ServerTLSConfig(); err != nil {
			return err
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: policy.HandshakeTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("wsmuxd.serve listening addr=%s path=%s tls=%t", cfg.Addr, cfg.Path, tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if ticks > 0 {
		g.Go(func() error {
			publishTicks(gctx, srv, clock.WallClock, ticks)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		n := srv.Disconnect()
		log.Info().Msgf("wsmuxd.serve stopped clients=%d", n)
		return err
	})
	return g.Wait()
}
