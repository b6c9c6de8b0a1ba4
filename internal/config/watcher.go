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

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the new, validated config on every successful reload.
// It runs synchronously on the watcher goroutine, so keep it fast.
type ReloadFunc func(newCfg *Config)

// Watcher watches a config file for changes and triggers a reload callback.
// It combines fsnotify (sub-second reaction on real filesystems) with
// content-hash polling: the config usually lives in a Kubernetes ConfigMap
// volume, and kubelet updates those by swapping a "..data" symlink at the
// VFS layer, which inotify often does not surface. A content hash every few
// seconds catches every update mechanism.
type Watcher struct {
	path     string
	dir      string
	reload   ReloadFunc
	logger   *slog.Logger
	debounce time.Duration
	interval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a config file watcher. Watching starts with Start.
func NewWatcher(path string, reload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		dir:      filepath.Dir(path),
		reload:   reload,
		logger:   logger,
		debounce: 300 * time.Millisecond,
		interval: 2 * time.Second,
	}
}

// Start watches the config file until the context is canceled or Stop is
// called. On a detected change the file is re-loaded and re-validated; if
// that fails the previous config stays in effect and an error is logged.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the directory, not just the file: atomic saves and Kubernetes
	// volume updates replace the file rather than writing in place.
	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	snap := newFileSnapshot(w.path)
	w.logger.Info("config watcher started", "path", w.path, "dir", w.dir)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Re-add the path after rename/create; atomic writes remove the
			// old inode from the watch.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.doReload()
			snap.refresh()

		case <-ticker.C:
			if snap.refresh() {
				w.logger.Debug("config file change detected via polling", "path", w.path)
				w.doReload()
			}

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", watchErr)
		}
	}
}

func (w *Watcher) doReload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.reload(newCfg)
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

// CertReloadFunc is called when the TLS certificate files change on disk.
type CertReloadFunc func(certFile, keyFile string)

// CertWatcher monitors a TLS cert/key pair for changes. Same polling
// rationale as Watcher: cert files typically live in a Kubernetes Secret
// volume where symlink swaps bypass inotify.
type CertWatcher struct {
	certFile string
	keyFile  string
	reload   CertReloadFunc
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS certificate watcher. Watching starts with Start.
func NewCertWatcher(certFile, keyFile string, reload CertReloadFunc, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile: certFile,
		keyFile:  keyFile,
		reload:   reload,
		logger:   logger,
		interval: 2 * time.Second,
	}
}

// Start polls the certificate files until the context is canceled or Stop
// is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cw.cancel = context.WithCancel(ctx)

	certSnap := newFileSnapshot(cw.certFile)
	keySnap := newFileSnapshot(cw.keyFile)
	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			certChanged := certSnap.refresh()
			keyChanged := keySnap.refresh()
			if certChanged || keyChanged {
				cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
				cw.reload(cw.certFile, cw.keyFile)
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

// fileSnapshot tracks change-detection state for one watched file: the
// Kubernetes "..data" symlink target of its parent directory (fast signal)
// and the SHA-256 of its content (reliable signal).
type fileSnapshot struct {
	path     string
	dataLink string
	hash     string
	target   string
}

func newFileSnapshot(path string) *fileSnapshot {
	fs := &fileSnapshot{
		path:     path,
		dataLink: filepath.Join(filepath.Dir(path), "..data"),
	}
	fs.hash = hashFile(path)
	fs.target = readlink(fs.dataLink)
	return fs
}

// refresh re-reads the detection signals and reports whether the file
// content changed since the previous snapshot.
func (fs *fileSnapshot) refresh() bool {
	changed := false

	if target := readlink(fs.dataLink); target != "" && target != fs.target {
		fs.target = target
		changed = true
	}

	if h := hashFile(fs.path); h != fs.hash {
		fs.hash = h
		changed = true
	}

	return changed
}

// hashFile returns the SHA-256 digest of the file at path, or "" if the
// file cannot be read. The hash follows symlinks, so a Kubernetes volume
// swap changes it.
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
