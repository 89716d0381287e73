package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mind-attention/internal/config"
	"mind-attention/internal/db"
	"mind-attention/pkg/attention"
	"mind-attention/pkg/card"
	"mind-attention/pkg/inbox"
	"mind-attention/pkg/inject"
	"mind-attention/pkg/ledger"
	"mind-attention/pkg/poller"
	"mind-attention/pkg/presence"
	"mind-attention/pkg/session"
	"mind-attention/pkg/signal"
	"mind-attention/pkg/task"
	"mind-attention/pkg/writer"
)

// app is the fully wired attention backbone.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *db.DB
	writer   *writer.Serializer
	ledger   *ledger.Store
	observer *ledger.Observer
	sessions *session.Writer
	tasks    *task.Store
	cards    *card.Store
	inbox    *inbox.Service
	presence *presence.Store
	injector *inject.Injector
	settings *attention.Source
	poller   *poller.Poller
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := db.Connect(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	var resolver attention.Resolver = attention.MapResolver{}
	if cfg.SettingsPath != "" {
		file, err := attention.LoadYAMLFile(cfg.SettingsPath)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load attention settings: %w", err)
		}
		resolver = file
	}
	settings := attention.NewSource(resolver, 0, logger)

	w := writer.New(store, writer.Options{Timeout: cfg.WriteTimeout, Logger: logger})
	l := ledger.NewStore(w, ledger.NewBus())
	sessions := session.NewWriter(l, logger)
	tasks := task.NewStore(w)
	cards := card.NewStore(w, l, tasks)
	cards.DeferFor = func(ctx context.Context) time.Duration { return settings.Snapshot(ctx).DeferCooldown }
	in := inbox.NewService(w)
	p := presence.NewStore(w)
	observer := ledger.NewObserver(l, logger)
	inj := inject.NewInjector(w, cards, sessions, observer, logger)

	return &app{
		cfg:      cfg,
		log:      logger,
		store:    store,
		writer:   w,
		ledger:   l,
		observer: observer,
		sessions: sessions,
		tasks:    tasks,
		cards:    cards,
		inbox:    in,
		presence: p,
		injector: inj,
		settings: settings,
		poller: poller.New(poller.Config{
			Ledger:    l,
			Cards:     cards,
			Inbox:     in,
			Presence:  p,
			Guard:     inject.NewGuard(store, p, sessions, logger),
			Injector:  inj,
			Shaper:    signal.NewShaper(),
			Settings:  settings,
			Interval:  cfg.PollInterval,
			BatchSize: cfg.PollBatch,
			Logger:    logger,
		}),
	}, nil
}

func (a *app) Close() {
	a.writer.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", "err", err)
	}
}
