// Package core assembles the component graph around one shared store.
// Components reference each other only through the small capability
// interfaces they declare; core is the single place that knows the whole
// shape.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/erichowens/port-daddy/internal/activity"
	"github.com/erichowens/port-daddy/internal/agents"
	"github.com/erichowens/port-daddy/internal/config"
	"github.com/erichowens/port-daddy/internal/locks"
	"github.com/erichowens/port-daddy/internal/messaging"
	"github.com/erichowens/port-daddy/internal/services"
	"github.com/erichowens/port-daddy/internal/sessions"
	"github.com/erichowens/port-daddy/internal/storage"
	"github.com/erichowens/port-daddy/internal/sysports"
	"github.com/erichowens/port-daddy/internal/types"
	"github.com/erichowens/port-daddy/internal/webhooks"
)

// EventsChannel is the internal in-process channel service claims are
// announced on, so waiters re-check without polling the store.
const EventsChannel = "_events"

// Core is the assembled coordination kernel.
type Core struct {
	Log zerolog.Logger
	Cfg *config.Config

	Store       *storage.Store
	Activity    *activity.Log
	Subscribers *messaging.Subscribers
	Messaging   *messaging.Messenger
	Locks       *locks.Registry
	Agents      *agents.Registry
	Services    *services.Registry
	Sessions    *sessions.Manager
	Webhooks    *webhooks.Hooks

	StartedAt time.Time
	cron      *cron.Cron
}

// claimNotifier bridges service claims onto the in-process fan-out.
type claimNotifier struct {
	subs *messaging.Subscribers
}

func (n claimNotifier) NotifyClaim(serviceID string) {
	raw, _ := json.Marshal(map[string]string{"type": types.EventServiceClaim, "id": serviceID})
	n.subs.Notify(EventsChannel, 0, map[string]string{"type": types.EventServiceClaim, "id": serviceID}, string(raw), "")
}

// New opens the store and wires the component graph. A store open or schema
// failure is fatal: the caller must not start serving.
func New(cfg *config.Config, logger zerolog.Logger) (*Core, error) {
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	c := &Core{
		Log:       logger,
		Cfg:       cfg,
		Store:     store,
		StartedAt: time.Now(),
	}

	c.Activity = activity.New(store, logger, activity.Options{
		RetentionMs: cfg.ActivityRetentionMs,
		MaxEntries:  cfg.ActivityMaxEntries,
	})
	c.Webhooks = webhooks.New(store, logger, c.Activity, webhooks.Options{
		QueueSize:   cfg.WebhookQueueSize,
		MaxAttempts: cfg.WebhookMaxAttempts,
		RetentionMs: cfg.WebhookRetentionMs,
	})
	c.Subscribers = messaging.NewSubscribers(logger)
	c.Messaging = messaging.New(store, logger, c.Subscribers, c.Activity, c.Webhooks)
	c.Locks = locks.New(store, logger, c.Activity, c.Webhooks)
	c.Agents = agents.New(store, logger, c.Activity, c.Webhooks, c.Locks)
	c.Locks.SetGuard(c.Agents)

	reserved := make(map[int]bool, len(cfg.ReservedPorts))
	for _, p := range cfg.ReservedPorts {
		reserved[p] = true
	}
	c.Services = services.New(store, logger, services.Allocator{
		RangeLo:     cfg.PortRangeLo,
		RangeHi:     cfg.PortRangeHi,
		Reserved:    reserved,
		SystemPorts: sysports.Listening,
	}, c.Activity, c.Webhooks, c.Agents, claimNotifier{c.Subscribers})

	c.Sessions = sessions.New(store, logger, c.Activity, c.Webhooks)
	return c, nil
}

// StartBackground runs the webhook delivery workers and the periodic sweeps
// until ctx is canceled.
func (c *Core) StartBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Two delivery workers: a delivery waiting between retries on one leaves
	// the other free for fresh deliveries.
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			err := c.Webhooks.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	every := c.Cfg.SweepEvery
	if every == "" {
		every = "30s"
	}
	c.cron = cron.New()
	if _, err := c.cron.AddFunc("@every "+every, func() { c.CleanupAll() }); err != nil {
		return err
	}
	c.cron.Start()

	g.Go(func() error {
		<-ctx.Done()
		stopped := c.cron.Stop()
		<-stopped.Done()
		return nil
	})

	return g.Wait()
}

// CleanupSummary reports what one sweep removed across components.
type CleanupSummary struct {
	Services      int `json:"services"`
	Locks         int `json:"locks"`
	Messages      int `json:"messages"`
	Agents        int `json:"agents"`
	ReleasedLocks int `json:"releasedLocks"`
	Activity      int `json:"activity"`
	Deliveries    int `json:"deliveries"`
	Sessions      int `json:"sessions"`
}

// CleanupAll runs every component's retention sweep. Individual failures
// are logged and do not stop the rest.
func (c *Core) CleanupAll() CleanupSummary {
	var out CleanupSummary

	if n, err := c.Services.Cleanup(); err != nil {
		c.Log.Warn().Err(err).Msg("service sweep failed")
	} else {
		out.Services = n
	}
	if n, err := c.Locks.Cleanup(); err != nil {
		c.Log.Warn().Err(err).Msg("lock sweep failed")
	} else {
		out.Locks = n
	}
	if n, err := c.Messaging.Cleanup(); err != nil {
		c.Log.Warn().Err(err).Msg("message sweep failed")
	} else {
		out.Messages = n
	}
	if res, err := c.Agents.Cleanup(); err != nil {
		c.Log.Warn().Err(err).Msg("agent sweep failed")
	} else {
		out.Agents = res.Cleaned
		out.ReleasedLocks = res.ReleasedLocks
	}
	if res, err := c.Activity.Cleanup(); err != nil {
		c.Log.Warn().Err(err).Msg("activity sweep failed")
	} else {
		out.Activity = int(res.Total)
	}
	if n, err := c.Webhooks.Cleanup(); err != nil {
		c.Log.Warn().Err(err).Msg("delivery sweep failed")
	} else {
		out.Deliveries = n
	}
	if n, err := c.Sessions.Cleanup(sessions.CleanupOptions{}); err != nil {
		c.Log.Warn().Err(err).Msg("session sweep failed")
	} else {
		out.Sessions = n
	}
	return out
}

// Close releases the store.
func (c *Core) Close() error {
	return c.Store.Close()
}
