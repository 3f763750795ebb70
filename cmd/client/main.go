package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/matst80/apixify/internal/forward"
	"github.com/matst80/apixify/internal/obs"
	"github.com/matst80/apixify/internal/ratelimit"
	"github.com/matst80/apixify/internal/readiness"
	"github.com/matst80/apixify/internal/register"
	"github.com/matst80/apixify/internal/state"
	"github.com/matst80/apixify/internal/tunnel"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	// a missing .env is fine, flags and the real environment still apply
	_ = godotenv.Load()

	var cfg Config
	root := &cobra.Command{
		Use:          "apixify",
		Short:        "Expose a local HTTP server via the Apixify tunnel server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cfg.bindFlags(root.Flags())
	return root
}

func run(ctx context.Context, cfg Config) error {
	obs.EnableDebug(cfg.Debug)
	local := cfg.localURL()
	obs.Info("client.start", obs.Fields{"server": cfg.Server, "local": local.String(), "username": cfg.Username, "ttl": cfg.TTL})

	store, err := state.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer store.Close()
	if cfg.MetricsAddr != "" {
		go startMetricsServer(ctx, cfg.MetricsAddr, store, cfg.Debug)
	}

	prober := &readiness.Prober{
		URL: local.String(),
		OnWait: func(attempt int, err error) {
			if attempt == 1 {
				obs.Info("local.waiting", obs.Fields{"url": local.String()})
				return
			}
			obs.Debug("local.probe", obs.Fields{"attempt": attempt, "err": err})
		},
	}
	if err := prober.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("waiting for local server: %w", err)
	}
	obs.Info("local.reachable", obs.Fields{"url": local.String()})

	reg, err := register.New(cfg.Server).Register(ctx, cfg.Username, cfg.TTL)
	if err != nil {
		obs.Error("register.failed", obs.Fields{"err": err})
		return err
	}
	controlURL, err := tunnel.ControlURL(cfg.Server)
	if err != nil {
		return err
	}
	info := tunnel.Info{
		ID:         reg.TunnelID,
		PublicURL:  reg.PublicURL,
		ProxyURL:   tunnel.ProxyURL(cfg.Server, reg.TunnelID),
		LocalURL:   local,
		TTLSeconds: cfg.TTL,
	}
	store.SetTunnel(state.Tunnel{
		ID:         info.ID,
		PublicURL:  info.PublicURL,
		ProxyURL:   info.ProxyURL,
		LocalURL:   local.String(),
		TTLSeconds: info.TTLSeconds,
	})
	obs.Info("tunnel.registered", obs.Fields{"tunnel_id": info.ID, "public_url": info.PublicURL, "proxy_url": info.ProxyURL})

	dispatcher := tunnel.NewDispatcher(local, forward.New(cfg.ForwardTimeout), ratelimit.NewAdmission(cfg.MaxInFlight, cfg.Rate, cfg.Burst), store)
	session := tunnel.NewSession(info, dispatcher, tunnel.SessionConfig{
		ControlURL:     controlURL,
		ReconnectDelay: cfg.ReconnectDelay,
		Store:          store,
		GracePeriod:    cfg.GracePeriod,
	})
	err = session.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
