package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ReloadFunc is called with the new, validated config on every successful
// reload. It runs synchronously on the watcher goroutine — keep it fast.
type ReloadFunc func(newCfg *Config)

// Watcher watches the config file for changes and invokes a callback with
// the reloaded config. Detection combines fsnotify (low-latency on real
// filesystems) with periodic content-hash polling, which reliably catches
// Kubernetes ConfigMap volume updates that swap a "..data" symlink without
// generating inotify events.
type Watcher struct {
	path         string
	dir          string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Watching does not begin until
// Start is called.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger.With("component", "config-watcher"),
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start begins watching the config file. Blocks until the context is
// canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	fsw, err := newFSWatcher(w.dir, w.path)
	if err != nil {
		return err
	}
	defer fsw.Close()

	w.logger.Info("config watcher started", "path", w.path)

	dataLink := filepath.Join(w.dir, "..data")
	lastHash := hashFile(w.path)
	lastTarget := readlink(dataLink)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	pollTicker := time.NewTicker(w.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !fsw.relevant(event) {
				continue
			}
			// Atomic saves rename a temp file over the target, dropping the
			// old inode from the watch; re-add the path on create/rename.
			fsw.rearm(event, w.path)
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()
			lastHash = hashFile(w.path)
			lastTarget = readlink(dataLink)

		case <-pollTicker.C:
			target := readlink(dataLink)
			hash := hashFile(w.path)
			if (target != lastTarget && target != "") || hash != lastHash {
				lastTarget = target
				lastHash = hash
				w.logger.Debug("config change detected via polling", "path", w.path)
				w.reload()
			}

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

// reload loads, validates, and publishes the new config. On failure the old
// config stays in effect and the error is logged.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(newCfg)
}

// Stop terminates the watcher goroutine.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// ---------------------------------------------------------------------------
// CertWatcher — poll-based watcher for TLS certificate files.
// ---------------------------------------------------------------------------

// CertCallback is called when the TLS certificate files change on disk.
type CertCallback func(certFile, keyFile string)

// CertWatcher monitors TLS certificate files and triggers a callback to
// reload them. It is purely poll-based: cert files typically live in a
// Kubernetes Secret volume where inotify misses the symlink swap.
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS certificate file watcher. Monitoring does
// not start until Start is called.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger.With("component", "cert-watcher"),
		pollInterval: 2 * time.Second,
	}
}

// Start begins polling the certificate files. Blocks until the context is
// canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cw.cancel = context.WithCancel(ctx)

	dataLink := filepath.Join(filepath.Dir(cw.certFile), "..data")

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	lastCertHash := hashFile(cw.certFile)
	lastKeyHash := hashFile(cw.keyFile)
	lastTarget := readlink(dataLink)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			changed := false
			if target := readlink(dataLink); target != lastTarget && target != "" {
				lastTarget = target
				changed = true
			}
			if !changed {
				changed = hashFile(cw.certFile) != lastCertHash || hashFile(cw.keyFile) != lastKeyHash
			}
			if changed {
				lastCertHash = hashFile(cw.certFile)
				lastKeyHash = hashFile(cw.keyFile)
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.callback(cw.certFile, cw.keyFile)
			}
		}
	}
}

// Stop terminates the cert watcher goroutine.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or "" if the
// file cannot be read. The hash follows symlinks, so a volume swap changes it.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if the path is not a
// symlink or cannot be read.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
