package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/config"
)

// signalHandler implements Unix signal-based configuration hot reload:
// SIGHUP triggers a reload-from-disk, debounced so a burst of signals (a
// common side effect of some process supervisors resending SIGHUP) only
// produces one reload. Grounded on cmd/server/signal.go's SignalHandler,
// generalized from a single Postgres-backed config document to this
// core's dotted-path Diff/ApplyChanges pipeline.
type signalHandler struct {
	configSvc  *config.Service
	configPath string
	resolver   config.SecretsResolver
	logger     *slog.Logger

	debounceWindow time.Duration
	lastReload     atomic.Value // time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	sigChan    chan os.Signal
	reloadChan chan struct{}
}

func newSignalHandler(configSvc *config.Service, configPath string, resolver config.SecretsResolver, logger *slog.Logger) *signalHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &signalHandler{
		configSvc:      configSvc,
		configPath:     configPath,
		resolver:       resolver,
		logger:         logger.With("component", "signal_handler"),
		debounceWindow: time.Second,
		ctx:            ctx,
		cancel:         cancel,
		sigChan:        make(chan os.Signal, 1),
		reloadChan:     make(chan struct{}, 10),
	}
}

func (h *signalHandler) Start() {
	signal.Notify(h.sigChan, syscall.SIGHUP)
	h.wg.Add(2)
	go h.listen()
	go h.reloadWorker()
}

func (h *signalHandler) Stop() {
	signal.Stop(h.sigChan)
	close(h.sigChan)
	h.cancel()
	h.wg.Wait()
}

func (h *signalHandler) listen() {
	defer h.wg.Done()
	for {
		select {
		case sig, ok := <-h.sigChan:
			if !ok {
				return
			}
			h.logger.Info("received signal", "signal", sig.String())
			select {
			case h.reloadChan <- struct{}{}:
			default:
				h.logger.Warn("reload already queued, dropping duplicate SIGHUP")
			}
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *signalHandler) reloadWorker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.reloadChan:
			if h.shouldDebounce() {
				h.logger.Debug("reload debounced, too soon after the previous one")
				continue
			}
			h.lastReload.Store(time.Now())
			h.reload()
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *signalHandler) shouldDebounce() bool {
	v := h.lastReload.Load()
	if v == nil {
		return false
	}
	return time.Since(v.(time.Time)) < h.debounceWindow
}

// reload loads configPath fresh, diffs it against the running tree, and
// applies the result as a single ApplyChanges batch so it either commits
// atomically or is rejected outright, leaving the running config
// untouched. Deleted paths are logged but not applied: spec.md's
// ApplyUpdate operates on existing dotted paths, not array-length
// changes, so removing a module fragment via SIGHUP reload still
// requires a ConfigUpdate through the normal config.update topic.
func (h *signalHandler) reload() {
	start := time.Now()
	reloadCtx, cancel := context.WithTimeout(h.ctx, 30*time.Second)
	defer cancel()

	fresh, err := config.Load(h.configPath, h.resolver)
	if err != nil {
		h.logger.Error("sighup reload: failed to load config from disk", "error", err)
		return
	}

	diff, err := config.Compare(h.configSvc.Current(), fresh)
	if err != nil {
		h.logger.Error("sighup reload: failed to diff against the running config", "error", err)
		return
	}
	if diff.Empty() {
		h.logger.Info("sighup reload: no changes detected")
		return
	}
	if len(diff.Deleted) > 0 {
		h.logger.Warn("sighup reload: deleted paths are not applied, use a config.update instead", "paths", diff.Deleted)
	}

	var updates []config.Update
	for path, value := range diff.Added {
		updates = append(updates, config.Update{Path: path, Value: value, Requester: "sighup"})
	}
	for path, entry := range diff.Modified {
		updates = append(updates, config.Update{Path: path, Value: entry.NewValue, Requester: "sighup"})
	}

	entry, err := h.configSvc.ApplyChanges(reloadCtx, updates, "sighup")
	if err != nil {
		h.logger.Error("sighup reload: apply failed", "error", err, "duration", time.Since(start))
		return
	}
	h.logger.Info("sighup reload: applied", "version", entry.Version, "duration", time.Since(start))
}
