// Package app wires the process: it constructs the chosen state store,
// layers the registry, queue, session manager, and tool dispatcher on top,
// and owns the background sweeper.
package app

import (
	"context"
	"log"

	"github.com/okvist/collabd/internal/locks"
	"github.com/okvist/collabd/internal/policy"
	"github.com/okvist/collabd/internal/queue"
	"github.com/okvist/collabd/internal/session"
	"github.com/okvist/collabd/internal/store"
	"github.com/okvist/collabd/internal/store/memory"
	"github.com/okvist/collabd/internal/store/sqlite"
	"github.com/okvist/collabd/internal/tools/collab"
)

type Container struct {
	Config     *policy.Config
	Logger     *log.Logger
	Store      store.Store
	Registry   *locks.Registry
	Queue      *queue.Queue
	Broker     *session.Broker
	Manager    *session.Manager
	Dispatcher *collab.Dispatcher

	sweeper *Sweeper
}

// Init builds the container. use_mocks selects the in-memory store; the
// durable store additionally touches the signal file after every write so
// sibling processes sweep promptly.
func Init(cfg *policy.Config, logger *log.Logger) (*Container, error) {
	var st store.Store
	signalPath := ""
	if cfg.UseMocks {
		st = memory.New()
		logger.Printf("using in-memory state store")
	} else {
		dbStore, err := sqlite.Open(cfg.DatabasePath, logger)
		if err != nil {
			return nil, err
		}
		signalPath = cfg.SignalPath()
		dbStore.SetNotifyHook(func() {
			if err := TouchSignal(signalPath); err != nil {
				logger.Printf("touch signal %s: %v", signalPath, err)
			}
		})
		st = dbStore
	}

	broker := session.NewBroker(cfg.EventQueueSize, logger)
	registry := locks.NewRegistry(st, cfg.LockTimeout(), cfg.ConflictRetention(), logger)
	q := queue.New(st, broker, cfg.DiscoverLimit, logger)
	manager := session.NewManager(st, q, registry, broker, logger)
	dispatcher := collab.NewDispatcher(q, registry, manager, logger)

	return &Container{
		Config:     cfg,
		Logger:     logger,
		Store:      st,
		Registry:   registry,
		Queue:      q,
		Broker:     broker,
		Manager:    manager,
		Dispatcher: dispatcher,
		sweeper:    NewSweeper(registry, signalPath, cfg.SweepInterval(), logger),
	}, nil
}

// StartSweeper launches the background lock sweeper; it stops when ctx is
// cancelled.
func (c *Container) StartSweeper(ctx context.Context) {
	go c.sweeper.Run(ctx)
}

func (c *Container) Close() error {
	return c.Store.Close()
}
