// Package search keeps the search index in step with the primary store and
// builds the queries that read it back.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/config"
	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/models"
)

// ErrReindexRunning is returned when a reindex is requested while one is in progress
var ErrReindexRunning = errors.New("reindex already running")

// Source is the primary store as seen by the projector
type Source interface {
	FindByID(ctx context.Context, id string) (*models.HistoryRecord, error)
	ForEachBatch(ctx context.Context, size int, fn func([]*models.HistoryRecord) error) error
}

// Index is the search index as seen by the projector
type Index interface {
	Upsert(ctx context.Context, rec *models.HistoryRecord) error
	UpsertBatch(ctx context.Context, recs []*models.HistoryRecord) error
	Delete(ctx context.Context, id string) error
	Truncate(ctx context.Context) error
}

type taskKind int

const (
	taskIndex taskKind = iota
	taskDelete
)

type task struct {
	kind taskKind
	id   string
}

// taskTimeout bounds a single index write
const taskTimeout = 10 * time.Second

// Projector mirrors primary store records into the search index in the background.
// Index and DeleteFromIndexByID never block the caller: when the queue is full the
// task is dropped and logged, and ReindexAll is the repair path.
type Projector struct {
	source    Source
	index     Index
	log       logrus.FieldLogger
	workers   int
	batchSize int

	tasks chan task
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	reindexing atomic.Bool
	dropped    atomic.Uint64
	failed     atomic.Uint64
}

// NewProjector creates a projector sized by cfg
func NewProjector(source Source, index Index, log logrus.FieldLogger, cfg config.ProjectorConfig) *Projector {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}

	return &Projector{
		source:    source,
		index:     index,
		log:       log.WithField("component", "projector"),
		workers:   workers,
		batchSize: cfg.ReindexBatch,
		tasks:     make(chan task, queueSize),
	}
}

// Start launches the workers. They run until Stop is called.
func (p *Projector) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	// workers outlive request cancellation; Stop drains them
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				p.process(ctx, t)
			}
		}()
	}

	p.log.WithField("workers", p.workers).Info("search index projector started")
}

// Stop stops accepting tasks and waits for queued ones to finish
func (p *Projector) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("search index projector stopped")
}

// Index schedules rec for projection. The worker re-reads the record from the
// primary store, so the index always receives the latest stored state.
func (p *Projector) Index(rec *models.HistoryRecord) {
	if rec == nil || rec.ID == "" {
		p.log.Error("cannot index a record without id")
		return
	}
	p.enqueue(task{kind: taskIndex, id: rec.ID})
}

// DeleteFromIndexByID schedules removal of the index entry for id
func (p *Projector) DeleteFromIndexByID(id string) {
	if id == "" {
		return
	}
	p.enqueue(task{kind: taskDelete, id: id})
}

// Dropped returns how many tasks were discarded because the queue was full or closed
func (p *Projector) Dropped() uint64 {
	return p.dropped.Load()
}

// Failed returns how many tasks failed against the index
func (p *Projector) Failed() uint64 {
	return p.failed.Load()
}

func (p *Projector) enqueue(t task) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.dropped.Add(1)
		p.log.WithField("record_id", t.id).Error("projector stopped, index task dropped")
		return
	}

	select {
	case p.tasks <- t:
	default:
		p.dropped.Add(1)
		p.log.WithField("record_id", t.id).Error("projector queue full, index task dropped")
	}
}

func (p *Projector) process(ctx context.Context, t task) {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	logger := p.log.WithField("record_id", t.id)

	switch t.kind {
	case taskIndex:
		rec, err := p.source.FindByID(ctx, t.id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				logger.Debug("record gone before projection, skipping")
				return
			}
			p.failed.Add(1)
			logger.WithError(err).Error("failed to read record for indexing")
			return
		}
		if err := p.index.Upsert(ctx, rec); err != nil {
			p.failed.Add(1)
			logger.WithError(err).Error("failed to index record")
			return
		}
		logger.Debug("record indexed")

	case taskDelete:
		if err := p.index.Delete(ctx, t.id); err != nil {
			p.failed.Add(1)
			logger.WithError(err).Error("failed to delete index entry")
			return
		}
		logger.Debug("index entry deleted")
	}
}

// ReindexAll rebuilds the index from the primary store and returns the number of
// records written. Only one rebuild runs at a time. Writes that land during the
// rebuild are still projected by the workers, so the index converges either way.
func (p *Projector) ReindexAll(ctx context.Context) (int, error) {
	if !p.reindexing.CompareAndSwap(false, true) {
		return 0, ErrReindexRunning
	}
	defer p.reindexing.Store(false)

	started := time.Now()
	p.log.Info("reindex started")

	if err := p.index.Truncate(ctx); err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}

	total := 0
	err := p.source.ForEachBatch(ctx, p.batchSize, func(batch []*models.HistoryRecord) error {
		if err := p.index.UpsertBatch(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		p.log.WithField("indexed", total).Debug("reindex progress")
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("reindex after %d records: %w", total, err)
	}

	p.log.WithFields(logrus.Fields{
		"indexed":  total,
		"duration": time.Since(started).String(),
	}).Info("reindex finished")

	return total, nil
}
