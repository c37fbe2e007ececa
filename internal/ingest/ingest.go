// Package ingest loads unit documents from a content directory into the
// layered store. A document is a TOML file holding one or more units:
//
//	[[unit]]
//	id      = "api-conventions"   # optional, defaults to the file name
//	layer   = "core"
//	tags    = ["api", "style"]
//	content = '''
//	Handlers return typed errors and log with request scope.
//	'''
//
// Seed loads every document once at startup. Watch then reloads documents
// as they change on disk: a rewritten document replaces its previous units
// and drops the ones that disappeared from it, a deleted document drops all
// of them. When scrubbing is enabled, content passes through the secret
// scrubber before it is stored.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/engine"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
	"github.com/fyrsmithlabs/budgetd/internal/scrub"
	"github.com/fyrsmithlabs/budgetd/internal/store"
)

// unitDoc is one [[unit]] table in a document.
type unitDoc struct {
	ID      string   `toml:"id"`
	Layer   string   `toml:"layer"`
	Tags    []string `toml:"tags"`
	Content string   `toml:"content"`
}

// document is the top-level shape of a unit document.
type document struct {
	Units []unitDoc `toml:"unit"`
}

// unitRef locates a stored unit so a reload can find what its document
// produced last time.
type unitRef struct {
	layer store.LayerID
	id    string
}

// Loader ingests unit documents into the engine.
type Loader struct {
	cfg      *config.Config
	engine   *engine.Engine
	scrubber *scrub.Scrubber
	logger   *logging.Logger

	mu     sync.Mutex
	loaded map[string][]unitRef // document path -> units it produced
}

// New creates a Loader. A nil scrubber stores content verbatim; callers that
// want redaction build one scrubber and share it across every ingestion
// surface.
func New(cfg *config.Config, eng *engine.Engine, scrubber *scrub.Scrubber, logger *logging.Logger) (*Loader, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Ingest.Dir == "" {
		return nil, errors.New("ingest directory is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Loader{
		cfg:      cfg,
		engine:   eng,
		scrubber: scrubber,
		logger:   logger.Named("ingest"),
		loaded:   make(map[string][]unitRef),
	}, nil
}

// Seed walks the content directory once and loads every unit document.
//
// A document that cannot be parsed, or a unit that cannot fit an evictable
// layer, is logged and skipped: bad content must not keep the daemon down.
// A core unit that cannot fit the core budget is different - core content is
// part of the configured baseline, so Seed fails with a configuration error
// and the caller should refuse to start.
func (l *Loader) Seed(ctx context.Context) error {
	dir := l.cfg.Ingest.Dir
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Info(ctx, "content directory absent, nothing to seed", zap.String("dir", dir))
			return nil
		}
		return fmt.Errorf("content directory: %w", err)
	}

	documents := 0
	units := 0
	walk := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isUnitDocument(path) {
			return nil
		}
		stored, lerr := l.loadFile(ctx, path)
		units += stored
		if lerr != nil {
			if errors.Is(lerr, config.ErrInvalidConfig) {
				return lerr
			}
			l.logger.Warn(ctx, "document skipped", zap.String("path", path), zap.Error(lerr))
			return nil
		}
		documents++
		return nil
	}
	if err := filepath.WalkDir(dir, walk); err != nil {
		return err
	}

	l.logger.Info(ctx, "content directory seeded",
		zap.String("dir", dir),
		zap.Int("documents", documents),
		zap.Int("units", units),
	)
	return nil
}

// Watch blocks watching the content directory for document changes until the
// context is canceled. Change events are debounced per path so an editor
// writing a file in several bursts triggers one reload.
func (l *Loader) Watch(ctx context.Context) error {
	dir := l.cfg.Ingest.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("content directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	debounce := l.cfg.Ingest.Debounce.Duration()
	interval := debounce
	if interval > 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	flush := time.NewTicker(interval)
	defer flush.Stop()

	// Paths with a pending change, keyed to their latest event time. A path
	// reloads only once it has been quiet for the debounce window.
	pending := make(map[string]time.Time)

	l.logger.Info(ctx, "content watch started",
		zap.String("dir", dir),
		zap.Duration("debounce", debounce),
	)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info(ctx, "content watch stopped")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isUnitDocument(ev.Name) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				pending[ev.Name] = time.Now()
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, ev.Name)
				l.reconcile(ctx, ev.Name, nil)
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn(ctx, "watch error", zap.Error(werr))

		case <-flush.C:
			for path, seen := range pending {
				if time.Since(seen) < debounce {
					continue
				}
				delete(pending, path)
				if _, lerr := l.loadFile(ctx, path); lerr != nil {
					l.logger.Warn(ctx, "document reload failed", zap.String("path", path), zap.Error(lerr))
					continue
				}
				l.logger.Info(ctx, "document loaded", zap.String("path", path))
			}
		}
	}
}

// loadFile parses one document and stores its units, then reconciles the
// store against what the document produced on its previous load. It returns
// the number of units stored alongside any per-unit failures, joined.
func (l *Loader) loadFile(ctx context.Context, path string) (int, error) {
	var doc document
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted between the change event and the flush.
			l.reconcile(ctx, path, nil)
			return 0, nil
		}
		documentsTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}

	previous := l.refsFor(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	fresh := make([]unitRef, 0, len(doc.Units))
	var errs []error
	stored := 0
	for i, d := range doc.Units {
		u, err := l.buildUnit(ctx, d, stem, i, len(doc.Units))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		added, err := l.engine.AddUnit(ctx, u)
		if err != nil {
			if u.Layer == store.Core && errors.Is(err, store.ErrCapacityExceeded) {
				err = fmt.Errorf("%w: core unit %q cannot fit the core budget: %w",
					config.ErrInvalidConfig, u.ID, err)
			}
			errs = append(errs, fmt.Errorf("unit %q: %w", u.ID, err))
			// A failed replacement leaves the previous version stored; keep
			// tracking it so reconcile does not drop it.
			if ref, ok := previous[u.ID]; ok {
				fresh = append(fresh, ref)
			}
			continue
		}
		fresh = append(fresh, unitRef{layer: added.Layer, id: added.ID})
		stored++
	}

	l.reconcile(ctx, path, fresh)

	if len(errs) > 0 {
		documentsTotal.WithLabelValues("failed").Inc()
		return stored, fmt.Errorf("%s: %w", filepath.Base(path), errors.Join(errs...))
	}
	documentsTotal.WithLabelValues("loaded").Inc()
	return stored, nil
}

// buildUnit validates one unit table and applies content scrubbing and ID
// defaulting. A document with a single anonymous unit names it after the
// file; with several, each gets a stable stem/N suffix so reloads replace
// rather than duplicate.
func (l *Loader) buildUnit(ctx context.Context, d unitDoc, stem string, idx, total int) (store.Unit, error) {
	layer := store.LayerID(strings.ToLower(strings.TrimSpace(d.Layer)))
	if !layer.Valid() {
		return store.Unit{}, fmt.Errorf("unit %d: unknown layer %q", idx+1, d.Layer)
	}
	content := strings.TrimSpace(d.Content)
	if content == "" {
		return store.Unit{}, fmt.Errorf("unit %d: content is empty", idx+1)
	}
	if l.scrubber != nil {
		content = l.scrubber.Scrub(ctx, content).Content
	}

	id := strings.TrimSpace(d.ID)
	if id == "" {
		id = stem
		if total > 1 {
			id = fmt.Sprintf("%s/%d", stem, idx+1)
		}
	}

	return store.Unit{
		ID:      id,
		Layer:   layer,
		Content: content,
		Tags:    d.Tags,
	}, nil
}

// reconcile records the units a document now owns and removes from the store
// any it owned before that are no longer among them.
func (l *Loader) reconcile(ctx context.Context, path string, fresh []unitRef) {
	l.mu.Lock()
	old := l.loaded[path]
	if len(fresh) == 0 {
		delete(l.loaded, path)
	} else {
		l.loaded[path] = fresh
	}
	l.mu.Unlock()

	keep := make(map[unitRef]struct{}, len(fresh))
	for _, r := range fresh {
		keep[r] = struct{}{}
	}
	for _, r := range old {
		if _, ok := keep[r]; ok {
			continue
		}
		if err := l.engine.Store().Remove(ctx, r.layer, r.id); err != nil {
			continue // already evicted or taken over by another document
		}
		staleUnits.Inc()
		l.logger.Info(ctx, "stale unit removed",
			zap.String("unit_id", r.id),
			zap.String("layer", string(r.layer)),
			zap.String("document", filepath.Base(path)),
		)
	}
}

// refsFor returns the units a document produced on its last load, by ID.
func (l *Loader) refsFor(path string) map[string]unitRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	refs := make(map[string]unitRef, len(l.loaded[path]))
	for _, r := range l.loaded[path] {
		refs[r.id] = r
	}
	return refs
}

func isUnitDocument(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
