// Package app wires the process together: config, logging, store, bot and
// web server, plus the shutdown discipline that stops them in order.
package app

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"github.com/keuin/kimikuri/internal/bot"
	"github.com/keuin/kimikuri/internal/config"
	"github.com/keuin/kimikuri/internal/logging"
	"github.com/keuin/kimikuri/internal/observability/pprof"
	"github.com/keuin/kimikuri/internal/runtime/supervisor"
	"github.com/keuin/kimikuri/internal/store"
	"github.com/keuin/kimikuri/internal/web"
)

type App struct {
	cfgPath  string
	cfg      *config.Config
	log      zerolog.Logger
	closeLog func()

	store *store.Store
	bot   *bot.Bot
	web   *web.Server
	stats *statsReporter
	pprof *pprof.Server

	sup *supervisor.Supervisor
}

// New loads config and constructs every component. Any error here is
// startup-fatal; nothing has been started yet.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a := &App{cfgPath: cfgPath, cfg: cfg, log: log.With().Str("comp", "app").Logger(), closeLog: closeLog}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	a.store, err = store.Open(store.Config{
		Path:        cfg.Storage.Path,
		PoolSize:    cfg.Storage.PoolSize,
		BusyTimeout: busy,
	}, log.With().Str("comp", "store").Logger())
	if err != nil {
		return nil, err
	}

	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	reg := bot.NewRegistrar(a.store, log.With().Str("comp", "register").Logger())
	a.bot, err = bot.New(bot.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, reg, log.With().Str("comp", "bot").Logger())
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}

	webCfg, err := mapWebConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.web = web.New(webCfg, a.store, a.bot, log.With().Str("comp", "web").Logger())

	if cfg.Stats.Enabled {
		a.stats, err = newStatsReporter(cfg.Stats.Schedule, a.store, log.With().Str("comp", "stats").Logger())
		if err != nil {
			return nil, err
		}
	}

	if cfg.Debug.PprofListen != "" {
		a.pprof = pprof.New(pprof.Config{Listen: cfg.Debug.PprofListen},
			log.With().Str("comp", "pprof").Logger())
	}

	return a, nil
}

func mapWebConfig(cfg *config.Config) (web.Config, error) {
	rt, err := config.ParseDurationField("web.read_timeout", cfg.Web.ReadTimeout)
	if err != nil {
		return web.Config{}, err
	}
	wt, err := config.ParseDurationField("web.write_timeout", cfg.Web.WriteTimeout)
	if err != nil {
		return web.Config{}, err
	}
	it, err := config.ParseDurationField("web.idle_timeout", cfg.Web.IdleTimeout)
	if err != nil {
		return web.Config{}, err
	}
	return web.Config{
		Listen:       cfg.Web.Listen,
		MaxBodyBytes: cfg.Web.MaxBodyBytes,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
	}, nil
}

// Start launches both flows against the shared store handle. The bot and web
// loops run under the app supervisor's context; a failed listener bind is
// returned as a startup-fatal error.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)

	a.bot.Start(a.sup.Context())
	if err := a.web.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.stats != nil {
		a.stats.Start()
	}
	if a.pprof != nil {
		// Diagnostics only; a failed debug bind must not block startup.
		if err := a.pprof.Start(a.sup.Context()); err != nil {
			a.log.Warn().Err(err).Msg("pprof listener disabled")
			a.pprof = nil
		}
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return config.Watch(c, a.cfgPath, a.log.With().Str("comp", "config").Logger(), a.applyConfig)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug().Err(err).Msg("sd_notify failed")
	} else if sent {
		a.log.Debug().Msg("sd_notify: ready")
	}

	a.log.Info().Msg("started")
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// applyConfig handles hot reloads. Only the log level is applied live; the
// store, bot and web sections are fixed for the process lifetime.
func (a *App) applyConfig(newCfg *config.Config) {
	old := a.cfg
	a.cfg = newCfg

	if newCfg.Logging.Level != old.Logging.Level {
		if logging.SetLevel(newCfg.Logging.Level) {
			a.log.Info().Str("level", newCfg.Logging.Level).Msg("log level changed")
		}
	}
	if !reflect.DeepEqual(newCfg.Storage, old.Storage) ||
		!reflect.DeepEqual(newCfg.Telegram, old.Telegram) ||
		!reflect.DeepEqual(newCfg.Web, old.Web) ||
		!reflect.DeepEqual(newCfg.Stats, old.Stats) ||
		!reflect.DeepEqual(newCfg.Debug, old.Debug) {
		a.log.Warn().Msg("config changed; restart required for changes to take effect")
	}
}

// Stop drives the ordered shutdown: stop intake (web, bot), then the stats
// reporter, then close the shared store exactly once, then wait for the
// remaining supervised goroutines. Each step is bounded so one component
// cannot stall the whole stop.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info().Msg("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn().Str("name", name).Err(err).Msg("stop step error")
		}
		a.log.Debug().Str("name", name).Dur("took", time.Since(start)).Msg("stop step done")
	}

	step("web", 5*time.Second, a.web.Stop)
	step("bot", 3*time.Second, a.bot.Stop)
	if a.stats != nil {
		step("stats", 2*time.Second, a.stats.Stop)
	}
	if a.pprof != nil {
		step("pprof", 2*time.Second, a.pprof.Stop)
	}
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info().Msg("stopped")
	if a.closeLog != nil {
		a.closeLog()
	}
	return nil
}
