// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"

	"golang.org/x/sync/errgroup"

	"grimm.is/flowtrack/internal/api"
	"grimm.is/flowtrack/internal/config"
	"grimm.is/flowtrack/internal/conntrack"
	"grimm.is/flowtrack/internal/devwatch"
	"grimm.is/flowtrack/internal/events"
	"grimm.is/flowtrack/internal/logging"
	"grimm.is/flowtrack/internal/metrics"
	"grimm.is/flowtrack/internal/nfq"
	"grimm.is/flowtrack/internal/proto"
)

// Daemon is a fully wired tracker with its supporting services.
type Daemon struct {
	Config    *config.Config
	Tracker   *conntrack.Tracker
	Hub       *events.Hub
	Collector *metrics.Collector
	Server    *api.Server
	Watcher   *devwatch.Watcher
	Queue     *nfq.Reader

	logger *logging.Logger
}

// NewDaemon builds every component described by cfg without starting any.
func NewDaemon(cfg *config.Config, logger *logging.Logger) (*Daemon, error) {
	tc, err := cfg.TrackerConfig()
	if err != nil {
		return nil, err
	}
	timeouts, err := cfg.ProtoTimeouts()
	if err != nil {
		return nil, err
	}

	hub := events.NewHub(logger)
	tracker, err := conntrack.New(tc,
		conntrack.WithLogger(logger),
		conntrack.WithEventSink(hub))
	if err != nil {
		return nil, err
	}
	popts := cfg.ProtoOptions()
	popts.Logger = logger
	if err := proto.Register(tracker, timeouts, popts); err != nil {
		return nil, err
	}

	d := &Daemon{
		Config:    cfg,
		Tracker:   tracker,
		Hub:       hub,
		Collector: metrics.NewCollector(tracker, logger, cfg.MetricsInterval()),
		logger:    logger,
	}

	if cfg.APIEnabled() {
		d.Server, err = api.NewServer(api.ServerOptions{
			Tracker:   tracker,
			Hub:       hub,
			Collector: d.Collector,
			Registry:  metrics.NewRegistry(tracker, hub),
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.DeviceWatch != nil && cfg.DeviceWatch.Enabled {
		d.Watcher = devwatch.New(tracker, cfg.DevWatchOptions(), logger)
	}
	if cfg.QueueEnabled() {
		d.Queue = nfq.New(tracker, cfg.QueueOptions(), logger)
	}
	return d, nil
}

// Run starts every component and blocks until ctx is done or one of them
// fails.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	d.Tracker.Start(ctx)
	defer d.Tracker.Stop()

	sub := d.Hub.Subscribe(0, conntrack.EventsAll)
	defer sub.Close()
	g.Go(func() error {
		events.Run(ctx, sub, events.LogEvents(d.logger.WithComponent("events")))
		return nil
	})

	g.Go(func() error {
		d.Collector.Start(ctx)
		return nil
	})

	if d.Watcher != nil {
		g.Go(func() error {
			return d.Watcher.Run(ctx)
		})
	}
	if d.Queue != nil {
		g.Go(func() error {
			return d.Queue.Run(ctx)
		})
	}
	if d.Server != nil {
		g.Go(func() error {
			return d.Server.Start(ctx, d.Config.API.Listen)
		})
	}

	d.logger.Info("flowtrack running",
		"tracker", d.Tracker.ID(),
		"api", d.Server != nil,
		"device_watch", d.Watcher != nil,
		"queue", d.Queue != nil)
	return g.Wait()
}

// RunServe loads configPath and runs the daemon until ctx is done.
func RunServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging())
	logging.SetDefault(logger)
	if err := SetProcessName("flowtrack"); err != nil {
		logger.Debug("could not set process name", "error", err)
	}

	d, err := NewDaemon(cfg, logger)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
