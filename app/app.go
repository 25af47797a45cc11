// Package app assembles the proxy and runs it until shutdown.
package app

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/prognoshealth/lambdaproxy/backend"
	"github.com/prognoshealth/lambdaproxy/config"
	"github.com/prognoshealth/lambdaproxy/listener"
	"github.com/prognoshealth/lambdaproxy/lock"
	"github.com/prognoshealth/lambdaproxy/logging"
	"github.com/prognoshealth/lambdaproxy/poller"
	"github.com/prognoshealth/lambdaproxy/pool"
	"github.com/prognoshealth/lambdaproxy/proxy"
	"github.com/prognoshealth/lambdaproxy/runtimeapi"
	"github.com/prognoshealth/lambdaproxy/translate"
)

const (
	dialTimeout = 5 * time.Second
	// lockPoolSize bounds the sessions of the postgres lock; the poller
	// handles one event at a time.
	lockPoolSize = 2
)

// App owns every long lived component of the proxy.
type App struct {
	cfg *config.Config
	log *logrus.Logger

	pool     *pool.Pool[backend.Conn]
	proc     *proxy.Processor
	listener *listener.Listener
	poller   *poller.Poller
	locker   lock.Locker
}

// New builds the proxy from a validated configuration. The poller is only
// created when the Runtime API address is set.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	target, err := cfg.BackendURL()
	if err != nil {
		return nil, err
	}

	kind, err := backend.ParseKind(cfg.BackendKind, target)
	if err != nil {
		return nil, err
	}

	dialer, err := backend.NewDialer(ctx, kind, target, dialTimeout)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}

	a.pool = pool.New[backend.Conn](dialer.Dial, backend.Probe, cfg.PoolOptions())
	a.proc = proxy.NewProcessor(a.pool, cfg.RequestTimeout, logging.Component(log, "processor"))

	decoder := &translate.Decoder{PassthroughPath: cfg.PassthroughPath}

	a.listener, err = listener.New(listener.Options{
		Addr:         cfg.Addr(),
		Timeout:      cfg.RequestTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, a.proc, decoder, logging.Component(log, "listener"))
	if err != nil {
		return nil, err
	}

	if cfg.RuntimeAPI != "" {
		if cfg.LockEnabled() {
			if a.locker, err = newLocker(ctx, cfg, log); err != nil {
				return nil, err
			}
		}

		api := runtimeapi.New(cfg.RuntimeAPI, logging.Component(log, "runtimeapi"))
		a.poller = poller.New(api, a.proc, decoder, a.locker, logging.Component(log, "poller"))
	}

	log.WithFields(logrus.Fields{
		"backend":      target.Redacted(),
		"backend_kind": string(kind),
		"addr":         cfg.Addr(),
		"poller":       a.poller != nil,
	}).Info("proxy configured")

	return a, nil
}

func newLocker(ctx context.Context, cfg *config.Config, log *logrus.Logger) (lock.Locker, error) {
	if cfg.LockDSN == "" {
		return lock.NewDynamoDB(cfg.Region, cfg.LockTable, cfg.LockTTL, cfg.LockRetryWait)
	}

	tracer, err := logging.SQLTracer(logging.Component(log, "sql"), cfg.SQLLogLevel)
	if err != nil {
		return nil, err
	}

	dial, err := lock.DialPostgres(cfg.LockDSN, tracer)
	if err != nil {
		return nil, err
	}

	sessions := pool.New[*lock.PgConn](dial, lock.PingPostgres, pool.Options{
		MaxSize:       lockPoolSize,
		WaitTimeout:   cfg.PoolWaitTimeout,
		IdleTimeout:   cfg.PoolIdleTimeout,
		Freshness:     cfg.PoolFreshness,
		SweepInterval: cfg.PoolSweepInterval,
	})

	locker, err := lock.NewPostgres(ctx, sessions, cfg.LockTTL)
	if err != nil {
		_ = sessions.Close(ctx)
		return nil, err
	}

	return locker, nil
}

// Run serves until ctx is done or a component fails, then shuts down within
// the configured grace period. It returns the first fatal error, or nil on a
// graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.listener.ListenAndServe)

	if a.poller != nil {
		g.Go(func() error {
			return a.poller.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	err := g.Wait()
	if err != nil {
		a.log.WithError(err).Error("proxy stopped")
		return err
	}

	a.log.Info("proxy stopped")
	return nil
}

func (a *App) shutdown() {
	a.log.WithField("grace", a.cfg.ShutdownGrace.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()

	if err := a.listener.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("listener did not shut down cleanly")
	}

	if err := a.pool.Close(ctx); err != nil {
		a.log.WithError(err).Warn("connection pool did not drain")
	}

	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			a.log.WithError(err).Warn("failed closing invocation lock")
		}
	}
}
