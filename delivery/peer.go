// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package delivery

import (
	"context"
	"os"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/downloads"
	"github.com/smedrec/smart-logs-sub005/delivery/email"
	"github.com/smedrec/smart-logs-sub005/delivery/health"
	"github.com/smedrec/smart-logs-sub005/delivery/objectstore"
	"github.com/smedrec/smart-logs-sub005/delivery/processor"
	"github.com/smedrec/smart-logs-sub005/delivery/retry"
	"github.com/smedrec/smart-logs-sub005/delivery/secrets"
	"github.com/smedrec/smart-logs-sub005/delivery/sftp"
	"github.com/smedrec/smart-logs-sub005/delivery/webhook"
	"github.com/smedrec/smart-logs-sub005/private/lifecycle"
	"github.com/smedrec/smart-logs-sub005/private/sync2"
)

// Config is the aggregate configuration of the delivery peer.
type Config struct {
	Processor processor.Config
	Retry     retry.Config
	Health    health.Config
	Secrets   secrets.Config
	Webhook   webhook.Config
	Email     email.Config
	SFTP      sftp.Config
	Storage   objectstore.Config
	Downloads downloads.Config
}

// Peer is the delivery subsystem process: services wired to the master
// database, started and stopped as a group.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Handlers *destination.Registry

	Secrets struct {
		Manager *secrets.Manager
		Cleanup *sync2.Cycle
	}

	Retry struct {
		Manager *retry.Manager
	}

	Health struct {
		Monitor *health.Monitor
	}

	Downloads struct {
		Manager *downloads.Manager
		Handler *downloads.Handler
	}

	Webhook struct {
		Handler *webhook.Handler
	}

	Email struct {
		Handler *email.Handler
	}

	SFTP struct {
		Handler *sftp.Handler
	}

	Storage struct {
		Handler *objectstore.Handler
	}

	Processor struct {
		Processor *processor.Processor
	}

	Delivery struct {
		Service *Service
	}
}

// New creates a delivery peer from its database and configuration.
func New(log *zap.Logger, db DB, config Config) (*Peer, error) {
	peer := &Peer{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),

		Handlers: destination.NewRegistry(),
	}

	{ // setup secrets
		manager, err := secrets.NewManager(log.Named("secrets"), db.Secrets(), config.Secrets)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Secrets.Manager = manager
		cleanupInterval := config.Secrets.CleanupInterval
		if cleanupInterval <= 0 {
			cleanupInterval = time.Hour
		}
		peer.Secrets.Cleanup = sync2.NewCycle(cleanupInterval)
		peer.Services.Add(lifecycle.Item{
			Name: "secrets:cleanup",
			Run: func(ctx context.Context) error {
				return peer.Secrets.Cleanup.Run(ctx, func(ctx context.Context) error {
					if _, err := peer.Secrets.Manager.CleanupExpiredSecrets(ctx); err != nil {
						log.Error("secret cleanup failed", zap.Error(err))
					}
					return nil
				})
			},
			Close: func() error {
				peer.Secrets.Cleanup.Close()
				return nil
			},
		})
	}

	{ // setup retry and health
		peer.Retry.Manager = retry.NewManager(log.Named("retry"), db.Queue(), config.Retry)
		peer.Health.Monitor = health.NewMonitor(log.Named("health"), db.Health(), db.Destinations(), config.Health)
	}

	{ // setup downloads
		peer.Downloads.Manager = downloads.NewManager(log.Named("downloads"), db.DownloadLinks(), config.Downloads)
		peer.Downloads.Handler = downloads.NewHandler(log.Named("downloads:handler"), peer.Downloads.Manager)
		peer.Services.Add(lifecycle.Item{
			Name:  "downloads:cleanup",
			Run:   peer.Downloads.Manager.Run,
			Close: peer.Downloads.Manager.Close,
		})
	}

	{ // setup protocol handlers
		peer.Webhook.Handler = webhook.NewHandler(log.Named("webhook"), peer.Secrets.Manager, config.Webhook)
		peer.Email.Handler = email.NewHandler(log.Named("email"), config.Email)
		peer.SFTP.Handler = sftp.NewHandler(log.Named("sftp"), config.SFTP)
		peer.Storage.Handler = objectstore.NewHandler(log.Named("storage"), config.Storage)

		peer.Handlers.Register(peer.Webhook.Handler)
		peer.Handlers.Register(peer.Email.Handler)
		peer.Handlers.Register(peer.SFTP.Handler)
		peer.Handlers.Register(peer.Storage.Handler)
		peer.Handlers.Register(peer.Downloads.Handler)

		peer.Services.Add(lifecycle.Item{
			Name:  "email:pools",
			Close: peer.Email.Handler.Close,
		})
		peer.Services.Add(lifecycle.Item{
			Name:  "sftp:pools",
			Close: peer.SFTP.Handler.Close,
		})
	}

	{ // setup processor
		workerID, _ := os.Hostname()
		if workerID == "" {
			workerID = "delivery-worker"
		}
		peer.Processor.Processor = processor.New(log.Named("processor"),
			db.Queue(), db.Destinations(), db.DeliveryLogs(),
			peer.Handlers, peer.Retry.Manager, peer.Health.Monitor,
			workerID, config.Processor)
		peer.Services.Add(lifecycle.Item{
			Name:  "processor",
			Run:   peer.Processor.Processor.Run,
			Close: peer.Processor.Processor.Close,
		})
	}

	{ // setup facade
		peer.Delivery.Service = NewService(log.Named("delivery"), db,
			peer.Handlers, peer.Retry.Manager, peer.Health.Monitor)
	}

	return peer, nil
}

// Run starts all services and blocks until ctx is done or a service fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Servers.Run(ctx, group)
	peer.Services.Run(ctx, group)
	return group.Wait()
}

// Close shuts down all services in reverse order.
func (peer *Peer) Close() error {
	var group errs.Group
	group.Add(peer.Services.Close())
	group.Add(peer.Servers.Close())
	return group.Err()
}
