// Package tenant manages the per-organization index containers: build and
// update lifecycle, per-tenant serialization, disk snapshots, and the
// fire-and-forget access-denial sink.
package tenant

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/connexus-ai/searchd/internal/hnsw"
	"github.com/connexus-ai/searchd/internal/meta"
	"github.com/connexus-ai/searchd/internal/store"
)

// DenialSink forwards denial events from the search path to the store's
// append-only log. Offer never blocks: when the buffer is full the event is
// dropped and counted. Sink failures are logged and swallowed; they never
// reach the querying caller.
type DenialSink struct {
	events  chan hnsw.DenialEvent
	st      store.Store
	logger  *slog.Logger
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewDenialSink starts the background writer. bufferSize must be positive.
func NewDenialSink(st store.Store, bufferSize int, logger *slog.Logger) *DenialSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &DenialSink{
		events: make(chan hnsw.DenialEvent, bufferSize),
		st:     st,
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Offer enqueues an event without blocking, dropping it when full.
func (s *DenialSink) Offer(e hnsw.DenialEvent) {
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was
// full.
func (s *DenialSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the writer after draining buffered events.
func (s *DenialSink) Close() {
	s.closeOnce.Do(func() {
		close(s.events)
		<-s.done
	})
}

func (s *DenialSink) run() {
	defer close(s.done)
	// Writes use a background context: sink cancellation is independent of
	// any query's lifetime.
	ctx := context.Background()
	for e := range s.events {
		rec := &store.DenialRecord{
			OrganizationID: e.TenantID,
			UserID:         e.UserID,
			SearchQuery:    e.QueryText,
			ChunkID:        e.ChunkID,
			DocumentID:     e.DocumentID,
			GroupID:        e.GroupID,
			AccessLevel:    meta.AccessGroup,
			DenialReason:   "not_in_group",
			Similarity:     e.Similarity,
			Timestamp:      e.Timestamp,
		}
		if err := s.st.InsertDenial(ctx, rec); err != nil {
			s.logger.Warn("denial log write failed",
				"tenant_id", e.TenantID,
				"chunk_id", e.ChunkID,
				"error", err)
		}
	}
}
