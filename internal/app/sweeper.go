package app

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/okvist/collabd/internal/locks"
)

const sweepDebounce = 200 * time.Millisecond

// Sweeper drops expired locks on a fixed interval and, when a signal file
// is configured, immediately after another process writes the shared
// store. Signal events are debounced.
type Sweeper struct {
	registry   *locks.Registry
	signalPath string
	interval   time.Duration
	logger     *log.Logger
}

func NewSweeper(reg *locks.Registry, signalPath string, interval time.Duration, logger *log.Logger) *Sweeper {
	return &Sweeper{
		registry:   reg,
		signalPath: signalPath,
		interval:   interval,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	wake := make(chan struct{}, 1)
	if s.signalPath != "" {
		if watcher, err := fsnotify.NewWatcher(); err == nil {
			// Watch the directory: editors and our own toucher replace the
			// file, which would break a direct file watch.
			if err := watcher.Add(filepath.Dir(s.signalPath)); err == nil {
				defer watcher.Close()
				go s.watch(ctx, watcher, wake)
			} else {
				watcher.Close()
				s.logger.Printf("signal watch unavailable, interval sweep only: %v", err)
			}
		} else {
			s.logger.Printf("fsnotify unavailable, interval sweep only: %v", err)
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		case <-wake:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) watch(ctx context.Context, watcher *fsnotify.Watcher, wake chan<- struct{}) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name != s.signalPath {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(sweepDebounce, func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("signal watch error: %v", err)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.registry.Sweep(ctx)
	if err != nil {
		s.logger.Printf("lock sweep failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("swept %d expired lock(s)", n)
	}
}
