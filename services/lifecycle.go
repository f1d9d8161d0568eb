package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const mirrorDeleteTimeout = 30 * time.Second

// ArtifactMirror is an optional remote copy of finished artifacts.
type ArtifactMirror interface {
	// Upload copies the local file and returns a time-limited download URL.
	Upload(ctx context.Context, localPath string) (string, error)
	// Delete removes the object stored for the artifact name.
	Delete(ctx context.Context, name string) error
	// ListOlderThan returns artifact names uploaded before cutoff.
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Artifact is a registered output file.
type Artifact struct {
	Path      string
	Name      string
	CreatedAt time.Time
	ExpiresAt time.Time
	MirrorURL string
}

type LifecycleConfig struct {
	Dir           string
	Retention     time.Duration
	SweepInterval time.Duration
	SweepMaxAge   time.Duration
}

type registered struct {
	createdAt time.Time
	timer     *time.Timer
}

// LifecycleManager deletes artifacts two ways: a one-shot timer per artifact
// and a periodic sweep of the output directory that survives restarts. Both
// go through Delete, which runs at most once at a time per path.
type LifecycleManager struct {
	cfg    LifecycleConfig
	mirror ArtifactMirror
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	artifacts map[string]*registered
	group     singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewLifecycleManager returns a manager for cfg.Dir. mirror may be nil.
func NewLifecycleManager(cfg LifecycleConfig, mirror ArtifactMirror, logger *zap.Logger) *LifecycleManager {
	if cfg.SweepMaxAge <= 0 {
		cfg.SweepMaxAge = cfg.Retention
	}
	return &LifecycleManager{
		cfg:       cfg,
		mirror:    mirror,
		logger:    logger,
		now:       time.Now,
		artifacts: make(map[string]*registered),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (m *LifecycleManager) Retention() time.Duration {
	return m.cfg.Retention
}

// Register records a finished artifact, arms its deletion timer and mirrors
// it when a mirror is configured. A failed upload is logged and leaves
// MirrorURL empty.
func (m *LifecycleManager) Register(ctx context.Context, path string) Artifact {
	key := filepath.Clean(path)
	now := m.now()

	a := Artifact{
		Path:      key,
		Name:      filepath.Base(key),
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.Retention),
	}

	if m.mirror != nil {
		url, err := m.mirror.Upload(ctx, key)
		if err != nil {
			m.logger.Warn("artifact mirror upload failed", zap.String("path", key), zap.Error(err))
		} else {
			a.MirrorURL = url
		}
	}

	m.mu.Lock()
	if old, ok := m.artifacts[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	entry := &registered{createdAt: now}
	if m.cfg.Retention > 0 {
		entry.timer = time.AfterFunc(m.cfg.Retention, func() {
			if err := m.Delete(context.Background(), key); err != nil {
				m.logger.Warn("scheduled artifact deletion failed", zap.String("path", key), zap.Error(err))
				return
			}
			m.logger.Info("🧹 artifact expired", zap.String("path", key))
		})
	}
	m.artifacts[key] = entry
	m.mu.Unlock()

	return a
}

// Registered reports whether path is still tracked.
func (m *LifecycleManager) Registered(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.artifacts[filepath.Clean(path)]
	return ok
}

// Delete removes the artifact, its timer and its mirrored copy. Deleting a
// path that is already gone is a no-op.
func (m *LifecycleManager) Delete(ctx context.Context, path string) error {
	key := filepath.Clean(path)
	_, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.Lock()
		entry, ok := m.artifacts[key]
		delete(m.artifacts, key)
		m.mu.Unlock()
		if ok && entry.timer != nil {
			entry.timer.Stop()
		}

		if err := removeFile(key); err != nil {
			return nil, err
		}

		if m.mirror != nil {
			mctx, cancel := context.WithTimeout(ctx, mirrorDeleteTimeout)
			defer cancel()
			if err := m.mirror.Delete(mctx, filepath.Base(key)); err != nil {
				m.logger.Warn("artifact mirror delete failed", zap.String("path", key), zap.Error(err))
			}
		}
		return nil, nil
	})
	return err
}

// Sweep deletes every file in the output directory older than the sweep
// threshold, then expired mirror objects. Registered artifacts are aged from
// their registration time, others from their modification time.
func (m *LifecycleManager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.SweepMaxAge)

	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list artifact directory: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(m.cfg.Dir, entry.Name())
		if !m.createdAt(path, info.ModTime()).Before(cutoff) {
			continue
		}
		if err := m.Delete(ctx, path); err != nil {
			m.logger.Warn("sweep could not delete artifact", zap.String("path", path), zap.Error(err))
			continue
		}
		deleted++
		m.logger.Info("🧹 swept old artifact", zap.String("file", entry.Name()))
	}

	if m.mirror != nil {
		names, err := m.mirror.ListOlderThan(ctx, cutoff)
		if err != nil {
			m.logger.Warn("mirror sweep listing failed", zap.Error(err))
		}
		for _, name := range names {
			if err := m.mirror.Delete(ctx, name); err != nil {
				m.logger.Warn("mirror sweep delete failed", zap.String("name", name), zap.Error(err))
			}
		}
	}

	return deleted, nil
}

func (m *LifecycleManager) createdAt(path string, modTime time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.artifacts[path]; ok {
		return entry.createdAt
	}
	return modTime
}

// Start sweeps once and then on every SweepInterval until Stop or ctx ends.
func (m *LifecycleManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)

		m.runSweep(ctx)
		if m.cfg.SweepInterval <= 0 {
			select {
			case <-m.stop:
			case <-ctx.Done():
			}
			return
		}

		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runSweep(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *LifecycleManager) runSweep(ctx context.Context) {
	m.logger.Info("running scheduled cleanup", zap.String("dir", m.cfg.Dir))
	n, err := m.Sweep(ctx)
	if err != nil {
		m.logger.Warn("scheduled cleanup failed", zap.Error(err))
		return
	}
	m.logger.Info("scheduled cleanup finished", zap.Int("deleted", n))
}

// Stop halts the sweep loop and disarms pending timers. Files stay on disk;
// the next sweep after a restart removes them.
func (m *LifecycleManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)

		m.mu.Lock()
		started := m.started
		for _, entry := range m.artifacts {
			if entry.timer != nil {
				entry.timer.Stop()
			}
		}
		m.mu.Unlock()

		if started {
			<-m.done
		}
	})
}
