package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"daly-bms-bridge/api"
	"daly-bms-bridge/bluetooth"
	"daly-bms-bridge/mqtt"
	"daly-bms-bridge/poller"
	"daly-bms-bridge/redis"
	"daly-bms-bridge/session"
	"daly-bms-bridge/store"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) newSession() (*session.Session, error) {
	link, err := bluetooth.New(a.cfg.BMS.Link)
	if err != nil {
		return nil, err
	}
	sc, err := a.cfg.Session()
	if err != nil {
		return nil, err
	}
	return session.New(sc, link), nil
}

func (a *app) newStore() *store.Store {
	return store.New(a.fs, a.cfg.Cache, a.cfg.Thresholds)
}

func (a *app) serveCmd() *cobra.Command {
	var withAPI bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll the BMS and publish every reading",
		Long: `Runs the polling loop: discover, connect, read, publish, wait.

Readings always go to the cache file. MQTT and Redis publishing are enabled
in their config sections. With --api the read API runs in the same process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(true); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return a.serve(ctx, withAPI)
		},
	}
	cmd.Flags().BoolVar(&withAPI, "api", false, "Also serve the read API")
	return cmd
}

func (a *app) serve(ctx context.Context, withAPI bool) error {
	log := logger()

	sess, err := a.newSession()
	if err != nil {
		return err
	}
	st := a.newStore()
	p := poller.New(a.cfg.Poller(), sess, st)

	if a.cfg.Redis.Enabled {
		rp, err := redis.New(a.cfg.Redis, a.cfg.Thresholds)
		if err != nil {
			log.Warn().Err(err).Msg("Redis publishing disabled")
		} else {
			defer rp.Close()
			p.AddPublisher(rp)
		}
	}

	if a.cfg.MQTT.Enabled {
		mc := mqtt.NewClient(a.cfg.MQTT, p)
		if err := mc.Start(); err != nil {
			log.Warn().Err(err).Msg("MQTT publishing disabled")
		} else {
			defer mc.Stop()
			p.AddPublisher(mc)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	if withAPI {
		srv := api.New(a.cfg.API, st, a.cfg.Thresholds)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	log.Info().
		Str("address", a.cfg.BMS.Address).
		Str("dialect", a.cfg.BMS.Dialect).
		Dur("interval", a.cfg.BMS.Interval).
		Bool("api", withAPI).
		Msg("BMS bridge started. Press Ctrl+C to stop.")

	err = g.Wait()
	log.Info().Msg("BMS bridge stopped")
	return err
}

func (a *app) apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the cache file over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(false); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return api.New(a.cfg.API, a.newStore(), a.cfg.Thresholds).ListenAndServe(ctx)
		},
	}
}
