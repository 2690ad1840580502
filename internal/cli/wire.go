package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/yangwenmai/cookiepool/internal/attempts"
	"github.com/yangwenmai/cookiepool/internal/config"
	"github.com/yangwenmai/cookiepool/internal/cookies"
	"github.com/yangwenmai/cookiepool/internal/engine"
	"github.com/yangwenmai/cookiepool/internal/logger"
	"github.com/yangwenmai/cookiepool/internal/proxy"
	"github.com/yangwenmai/cookiepool/internal/retry"
	"github.com/yangwenmai/cookiepool/internal/scheduler"
	"github.com/yangwenmai/cookiepool/internal/store"
	"github.com/yangwenmai/cookiepool/internal/targets"
)

// app owns every long-lived component built from one Config.
type app struct {
	cfg       config.Config
	db        *sql.DB
	store     *store.Store
	pool      *cookies.Pool
	tracker   *attempts.Tracker
	rotator   *proxy.Rotator
	targets   *targets.Static
	session   *engine.Session
	scheduler *scheduler.Scheduler
}

// openStorage opens the database and builds the pool and tracker only.
func openStorage(cfg config.Config) (*app, error) {
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s, err := store.New(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	pool := cookies.NewPool(s, cookies.Options{
		ExpiryPolicy: cfg.ExpiryPolicy,
		DefaultTTL:   cfg.DefaultTTL,
		MinRefresh:   cfg.MinRefresh,
		ReuseWindow:  cfg.ReuseWindow,
	}, logger.WithComponent("cookies"))
	tracker := attempts.NewTracker(s, retry.Policy{
		BaseDelay:   cfg.BackoffBase,
		MaxDelay:    cfg.BackoffMax,
		MaxExponent: retry.DefaultAttemptBackoff().MaxExponent,
	}, cfg.RefreshInterval, logger.WithComponent("attempts"))

	return &app{cfg: cfg, db: db, store: s, pool: pool, tracker: tracker}, nil
}

// buildApp wires the full acquisition stack on top of storage.
func buildApp(cfg config.Config) (*app, error) {
	a, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.wireAcquisition(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wireAcquisition() error {
	cfg := a.cfg
	log := logger.WithComponent("cli")

	proxies := append([]string(nil), cfg.Proxies...)
	if cfg.ProxyFile != "" {
		fromFile, err := proxy.LoadFile(cfg.ProxyFile)
		if err != nil {
			return err
		}
		proxies = append(proxies, fromFile...)
	}
	a.rotator = proxy.NewRotator(proxies,
		proxy.WithTTL(cfg.ProxyFailureTTL),
		proxy.WithLogger(logger.WithComponent("proxy")))

	ts, err := targets.LoadFile(cfg.TargetsFile, logger.WithComponent("targets"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Sessions report the empty catalogue and the scheduler idles.
		log.Warn().Str("path", cfg.TargetsFile).Msg("targets file not found, starting with no targets")
		ts, _ = targets.NewStatic(nil, logger.WithComponent("targets"))
	case err != nil:
		return err
	}
	a.targets = ts

	browser, err := engine.NewBrowser(engine.BrowserOptions{
		Kind:           cfg.Browser,
		RequestTimeout: cfg.RequestTimeout,
		RodBin:         cfg.RodBin,
		RodSettle:      cfg.RodSettle,
		Headful:        cfg.Headful,
	})
	if err != nil {
		return err
	}

	a.session = engine.NewSession(a.targets, a.rotator, browser, a.pool, a.tracker, engine.SessionConfig{
		Timeout: cfg.SessionTimeout,
		Retry:   retry.Policy{MaxAttempts: cfg.SessionRetries},
	}, logger.WithComponent("engine"))

	a.scheduler, err = scheduler.New(a.session, a.pool, a.tracker, a.rotator, a.schedulerConfig(), logger.WithComponent("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}

	log.Info().
		Int("proxies", len(a.rotator.Proxies())).
		Int("targets", a.targets.Len()).
		Str("browser", cfg.Browser).
		Msg("acquisition wired")
	return nil
}

func (a *app) schedulerConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.MinSize = a.cfg.MinSize
	cfg.MaxSize = a.cfg.MaxSize
	cfg.MaxConcurrent = a.cfg.MaxConcurrent
	cfg.TickInterval = a.cfg.TickInterval
	cfg.TickJitter = a.cfg.TickJitter
	cfg.CleanupInterval = a.cfg.CleanupInterval
	cfg.StuckAfter = a.cfg.StuckAfter
	cfg.AttemptRetention = a.cfg.AttemptRetention
	return cfg
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}
