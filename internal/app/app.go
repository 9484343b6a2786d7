// Package app is the composition root: it constructs the engine's service
// objects, wires them together and owns their background loops. Everything
// is dependency-injected so tests can build isolated instances.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/stocktide/stocktide/internal/cache"
	"github.com/stocktide/stocktide/internal/config"
	"github.com/stocktide/stocktide/internal/coordinator"
	"github.com/stocktide/stocktide/internal/localid"
	"github.com/stocktide/stocktide/internal/logging"
	"github.com/stocktide/stocktide/internal/models"
	"github.com/stocktide/stocktide/internal/realtime"
	"github.com/stocktide/stocktide/internal/reconcile"
	"github.com/stocktide/stocktide/internal/remote"
	"github.com/stocktide/stocktide/internal/session"
	"github.com/stocktide/stocktide/internal/store"
	"github.com/stocktide/stocktide/internal/syncer"
)

// App holds every long-lived service of the client engine.
type App struct {
	Config  *config.Config
	Logger  logging.Logger
	Store   store.Store
	Cache   *cache.Cache
	Coord   *coordinator.Coordinator
	Session *session.Session
	API     *remote.Client
	Sync    *syncer.Manager
	Bus     *reconcile.Bus
	Channel *realtime.Channel

	Products  *reconcile.Dataset[models.Product, *models.Product]
	Sales     *reconcile.Dataset[models.Sale, *models.Sale]
	Clients   *reconcile.Dataset[models.Client, *models.Client]
	Schedules *reconcile.Dataset[models.Schedule, *models.Schedule]
	Settings  *reconcile.Dataset[models.Setting, *models.Setting]

	// Degraded is true when persistent storage could not be opened and the
	// engine fell back to memory. Surfaced to the user, never fatal.
	Degraded bool
}

func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	st, degraded, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	sess := session.New()
	if token, err := session.LoadToken(cfg.TokenPath); err == nil && token != "" {
		if err := sess.SetToken(token); err != nil {
			logger.Warn(ctx, "ignoring stored session token", "error", err)
		}
	}

	api, err := remote.NewClient(cfg.APIBaseURL, sess)
	if err != nil {
		return nil, fmt.Errorf("failed to build API client: %w", err)
	}

	c := cache.New(cfg.CacheTTL, cfg.CacheCapacity, nil)
	coord := coordinator.New(
		coordinator.WithWindow(cfg.DedupeWindow),
		coordinator.WithQueueCapacity(cfg.QueueCapacity),
		coordinator.WithBatchSize(cfg.QueueBatchSize),
		coordinator.WithBatchDelay(cfg.QueueBatchDelay),
	)
	bus := reconcile.NewBus()

	manager := syncer.NewManager(st, st, api, c, sess, logger.With("component", "syncer"), cfg.SettledRetention)
	manager.OnSettle(func(col models.Collection) {
		bus.Publish(reconcile.Event{Collection: col, Kind: reconcile.EventRefreshed})
	})

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Cache:    c,
		Coord:    coord,
		Session:  sess,
		API:      api,
		Sync:     manager,
		Bus:      bus,
		Degraded: degraded,
	}

	deps := reconcile.Deps{
		Store:   st,
		Cache:   c,
		Coord:   coord,
		Session: sess,
		API:     api,
		Queue:   manager,
		IDs:     localid.New(),
		Bus:     bus,
		Logger:  logger.With("component", "reconcile"),
	}
	a.Products = reconcile.NewDataset[models.Product](models.CollectionProducts, deps)
	a.Sales = reconcile.NewDataset[models.Sale](models.CollectionSales, deps,
		reconcile.WithSort[models.Sale](func(x, y *models.Sale) bool { return x.Date.After(y.Date) }))
	a.Clients = reconcile.NewDataset[models.Client](models.CollectionClients, deps)
	a.Schedules = reconcile.NewDataset[models.Schedule](models.CollectionSchedules, deps,
		reconcile.WithSort[models.Schedule](func(x, y *models.Schedule) bool { return x.Date.Before(y.Date) }))
	a.Settings = reconcile.NewDataset[models.Setting](models.CollectionSettings, deps)

	a.Channel = realtime.NewChannel(cfg.RealtimeURL, sess, manager.Online,
		logger.With("component", "realtime"),
		realtime.WithHeartbeat(cfg.HeartbeatInterval),
		realtime.WithMaxAttempts(uint64(cfg.ReconnectMaxAttempts)),
	)
	wirePush(a.Channel, "product", a.Products)
	wirePush(a.Channel, "sale", a.Sales)
	wirePush(a.Channel, "client", a.Clients)
	wirePush(a.Channel, "schedule", a.Schedules)
	wirePush(a.Channel, "setting", a.Settings)

	return a, nil
}

// pusher is the slice of a Dataset the realtime wiring needs.
type pusher interface {
	ApplyRemote(ctx context.Context, kind reconcile.EventKind, data json.RawMessage) error
}

func wirePush(ch *realtime.Channel, prefix string, ds pusher) {
	kinds := map[string]reconcile.EventKind{
		"created": reconcile.EventCreated,
		"updated": reconcile.EventUpdated,
		"deleted": reconcile.EventDeleted,
	}
	for suffix, kind := range kinds {
		k := kind
		ch.Handle(prefix+":"+suffix, func(ctx context.Context, data json.RawMessage) {
			// Push application errors are not fatal to the channel.
			_ = ds.ApplyRemote(ctx, k, data)
		})
	}
}

// Run starts the background loops and blocks until ctx ends.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Sync.Watch(ctx, a.Config.OnlineCheckInterval) })
	g.Go(func() error { return a.Channel.Run(ctx) })
	g.Go(func() error { a.Coord.Drain(ctx); return ctx.Err() })
	return g.Wait()
}

// Login authenticates against the backend and persists the session token.
func (a *App) Login(ctx context.Context, username, password string) error {
	token, err := a.API.Login(ctx, username, password)
	if err != nil {
		return err
	}
	if err := a.Session.SetToken(token); err != nil {
		return err
	}
	if err := session.SaveToken(a.Config.TokenPath, token); err != nil {
		a.Logger.Warn(ctx, "failed to persist session token", "error", err)
	}
	return nil
}

// Logout clears the in-memory session and removes the persisted token.
func (a *App) Logout() error {
	a.Session.Clear()
	a.Cache.Clear()
	if err := os.Remove(a.Config.TokenPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close releases the local store.
func (a *App) Close() error {
	return a.Store.Close()
}
