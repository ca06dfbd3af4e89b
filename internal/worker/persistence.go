// Package worker runs the background maintenance loops: the lock-gated
// persistence drain from the ephemeral tier into the durable store, and the
// scheduled tombstone purge.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/worldgate/worldgate/internal/durable"
	"github.com/worldgate/worldgate/internal/ephemeral"
	"github.com/worldgate/worldgate/internal/lock"
	"github.com/worldgate/worldgate/internal/model"
)

const (
	// LockKey names the distributed lock shared by all gateway replicas.
	LockKey = "background:persistence:lock"

	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 500
	DefaultLockTTL   = 10 * time.Second
)

// PersistenceWorker periodically drains the dirty set: sample pending
// entities, upsert them durably, then conditionally flush each from the
// ephemeral tier. Replicas coordinate through the distributed lock; a
// contended tick is skipped, not retried.
type PersistenceWorker struct {
	ephemeral *ephemeral.Store
	durable   *durable.Repo
	locker    *lock.Locker

	interval  time.Duration
	batchSize int
	lockTTL   time.Duration

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Config configures a PersistenceWorker.
type Config struct {
	Ephemeral *ephemeral.Store
	Durable   *durable.Repo
	Locker    *lock.Locker

	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

// NewPersistenceWorker creates a stopped worker.
func NewPersistenceWorker(cfg Config) *PersistenceWorker {
	w := &PersistenceWorker{
		ephemeral: cfg.Ephemeral,
		durable:   cfg.Durable,
		locker:    cfg.Locker,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		lockTTL:   cfg.LockTTL,
		stopCh:    make(chan struct{}),
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = DefaultBatchSize
	}
	if w.lockTTL <= 0 {
		w.lockTTL = DefaultLockTTL
	}
	return w
}

// Start launches the background drain goroutine.
func (w *PersistenceWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker and blocks until the goroutine exits. A drain in
// progress finishes first.
func (w *PersistenceWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *PersistenceWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.lockTTL)
			if err := w.RunOnce(ctx); err != nil && !errors.Is(err, lock.ErrNotAcquired) {
				log.Printf("[worker] persistence tick failed: %v", err)
			}
			cancel()
		}
	}
}

// RunOnce performs a single lock-gated drain. Returns lock.ErrNotAcquired
// when another replica holds the lock.
func (w *PersistenceWorker) RunOnce(ctx context.Context) error {
	return w.locker.WithLock(ctx, LockKey, w.lockTTL, w.drain)
}

// drain moves one batch of dirty entities into the durable store. Entities
// written again between the sample and the conditional flush stay ephemeral
// and dirty for the next round; stale dirty-keys are dropped outright.
func (w *PersistenceWorker) drain(ctx context.Context) error {
	batch, err := w.ephemeral.GetPendingUpdates(ctx, w.batchSize)
	if err != nil {
		return err
	}
	if len(batch.Stale) > 0 {
		if err := w.ephemeral.RemoveDirtyKeys(ctx, batch.Stale); err != nil {
			log.Printf("[worker] dropping stale dirty keys failed: %v", err)
		}
	}
	if len(batch.Updates) == 0 {
		return nil
	}

	updates := make([]model.EntityUpdate, len(batch.Updates))
	flushTargets := make([]ephemeral.PersistedEntity, len(batch.Updates))
	for i, p := range batch.Updates {
		e := p.Entity
		updates[i] = model.EntityUpdate{
			Environment: e.Environment,
			EntityType:  e.EntityType,
			EntityID:    e.EntityID,
			WorldID:     e.WorldID,
			Attributes:  e.Attributes,
			RankScores:  e.RankScores,
			IsDelete:    e.IsDeleted,
		}
		flushTargets[i] = ephemeral.PersistedEntity{
			Environment: e.Environment,
			EntityType:  e.EntityType,
			EntityID:    e.EntityID,
			WorldID:     e.WorldID,
			Version:     e.Version,
			DirtyKey:    p.DirtyKey,
		}
	}

	// Durable ingestion is synchronous here: a failed upsert keeps every
	// entity dirty and ephemeral for the next tick.
	if err := w.durable.PerformBatchUpsert(ctx, updates); err != nil {
		return err
	}

	flushed, err := w.ephemeral.FlushPersistedEntities(ctx, flushTargets)
	if err != nil {
		return err
	}

	var done []string
	for i, ok := range flushed {
		if ok {
			done = append(done, flushTargets[i].DirtyKey)
		}
	}
	if len(done) > 0 {
		if err := w.ephemeral.RemoveDirtyKeys(ctx, done); err != nil {
			return err
		}
	}
	log.Printf("[worker] drained %d entities (%d flushed, %d retained)",
		len(updates), len(done), len(updates)-len(done))
	return nil
}
