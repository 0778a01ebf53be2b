package guard

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// UsageFn reports filesystem statistics for a path. Substituted in tests
// to simulate capacity pressure.
type UsageFn func(path string) (*disk.UsageStat, error)

// DiskWatcherConfig configures capacity polling for a data directory.
type DiskWatcherConfig struct {
	Logger *zap.Logger
	// Path is the directory whose filesystem is watched.
	Path string
	// FullPercent is the used-space percentage at and above which new
	// writes are rejected. Zero disables the watcher.
	FullPercent float64
	// Interval between polls. Defaults to 10s.
	Interval time.Duration

	// Usage overrides the statistics source. Nil uses the real filesystem.
	Usage UsageFn
}

// DiskWatcher periodically samples filesystem usage and exposes a
// full/not-full verdict. A failed sample keeps the previous verdict so a
// momentary statfs error never opens the admission gate by accident.
type DiskWatcher struct {
	cfg    DiskWatcherConfig
	logger *zap.Logger
	usage  UsageFn

	full   atomic.Bool
	stopC  chan struct{}
	stopWg sync.WaitGroup
}

// NewDiskWatcher creates a watcher. Call Start to begin polling.
func NewDiskWatcher(cfg DiskWatcherConfig) *DiskWatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	u := cfg.Usage
	if u == nil {
		u = disk.Usage
	}
	return &DiskWatcher{
		cfg:    cfg,
		logger: cfg.Logger,
		usage:  u,
		stopC:  make(chan struct{}),
	}
}

// Full reports the verdict of the most recent successful sample.
func (w *DiskWatcher) Full() bool {
	return w.full.Load()
}

// Start samples once synchronously, then polls in the background until
// Stop is called.
func (w *DiskWatcher) Start() {
	if w.cfg.FullPercent <= 0 {
		return
	}
	w.sample()
	w.stopWg.Add(1)
	go w.run()
}

// Stop terminates polling and waits for the poll goroutine to exit.
func (w *DiskWatcher) Stop() {
	close(w.stopC)
	w.stopWg.Wait()
}

func (w *DiskWatcher) run() {
	defer w.stopWg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopC:
			return
		case <-ticker.C:
			w.sample()
		}
	}
}

func (w *DiskWatcher) sample() {
	stat, err := w.usage(w.cfg.Path)
	if err != nil {
		w.logger.Warn("disk usage sample failed",
			zap.String("path", w.cfg.Path), zap.Error(err))
		return
	}

	full := stat.UsedPercent >= w.cfg.FullPercent
	if w.full.Swap(full) != full {
		if full {
			w.logger.Warn("disk full, rejecting new writes",
				zap.String("path", w.cfg.Path),
				zap.Float64("used_percent", stat.UsedPercent))
		} else {
			w.logger.Info("disk usage back under threshold",
				zap.String("path", w.cfg.Path),
				zap.Float64("used_percent", stat.UsedPercent))
		}
	}
}
