package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const snapshotKeyPrefix = "snapshot/"

// Snapshotter is implemented by components whose state survives restarts:
// the event store's maps and the compressor's value dictionary.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Persistence periodically snapshots registered components into the
// database. Best-effort, not transactional: a crash between snapshots loses
// at most one interval of local cache, which reconciliation repairs from the
// ledger.
type Persistence struct {
	db       Database
	interval time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	parts map[string]Snapshotter
	order []string

	dirty atomic.Bool
}

func NewPersistence(db Database, interval time.Duration, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Persistence{
		db:       db,
		interval: interval,
		log:      logger,
		parts:    make(map[string]Snapshotter),
	}
}

// Register adds a named component. Registration order is preserved so
// restores are deterministic.
func (p *Persistence) Register(name string, part Snapshotter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.parts[name]; !exists {
		p.order = append(p.order, name)
	}
	p.parts[name] = part
}

// MarkDirty flags that state changed since the last snapshot.
func (p *Persistence) MarkDirty() {
	p.dirty.Store(true)
}

// LoadAll restores every registered component that has a stored snapshot.
// Missing snapshots are not an error; a fresh data dir starts empty.
func (p *Persistence) LoadAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range p.order {
		data, err := p.db.Get([]byte(snapshotKeyPrefix + name))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("storage: load snapshot %s: %w", name, err)
		}
		if err := p.parts[name].Restore(data); err != nil {
			return fmt.Errorf("storage: restore %s: %w", name, err)
		}
	}
	return nil
}

// SaveAll snapshots every registered component.
func (p *Persistence) SaveAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range p.order {
		data, err := p.parts[name].Snapshot()
		if err != nil {
			return fmt.Errorf("storage: snapshot %s: %w", name, err)
		}
		if err := p.db.Put([]byte(snapshotKeyPrefix+name), data); err != nil {
			return fmt.Errorf("storage: persist %s: %w", name, err)
		}
	}
	return nil
}

// StartAutoSave writes dirty state on the configured interval until the
// context is cancelled, then takes a final snapshot.
func (p *Persistence) StartAutoSave(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if p.dirty.Swap(false) {
					if err := p.SaveAll(); err != nil {
						p.log.Warn("final snapshot failed", "err", err)
					}
				}
				return
			case <-ticker.C:
				if !p.dirty.Swap(false) {
					continue
				}
				if err := p.SaveAll(); err != nil {
					// Keep the flag set so the next tick retries.
					p.dirty.Store(true)
					p.log.Warn("snapshot failed", "err", err)
				}
			}
		}
	}()
}
