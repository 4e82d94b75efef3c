package telemetry

import (
	"context"
	"sync"

	"github.com/openfroyo/patchwork/pkg/engine"
)

// RecordSubscriber handles one engine log record. A returned error is kept
// by the sink and reported by Err; later records are still delivered.
type RecordSubscriber func(ctx context.Context, record engine.PatchExecutionLogRecord) error

// RecordFilter determines if a record should be delivered to a subscriber.
type RecordFilter func(record engine.PatchExecutionLogRecord) bool

type subscriberEntry struct {
	name       string
	subscriber RecordSubscriber
	filter     RecordFilter
}

// Sink implements engine.LogSink. It fans every record out to the logger,
// the metrics, the tracer and any subscribers, in that order. Delivery is
// synchronous so a record is journaled before the engine moves on.
type Sink struct {
	logger  *Logger
	metrics *Metrics
	tracer  *Tracer

	mu          sync.Mutex
	subscribers []subscriberEntry
	errs        []error
	counts      map[engine.EventType]int
}

var _ engine.LogSink = (*Sink)(nil)

// NewSink creates a sink. Any of logger, metrics and tracer may be nil.
func NewSink(logger *Logger, metrics *Metrics, tracer *Tracer) *Sink {
	return &Sink{
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		counts:  make(map[engine.EventType]int),
	}
}

// Subscribe registers a subscriber. A nil filter matches every record.
func (s *Sink) Subscribe(name string, subscriber RecordSubscriber, filter RecordFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, subscriberEntry{name: name, subscriber: subscriber, filter: filter})
}

// SubscribeJournal appends every record to j.
func (s *Sink) SubscribeJournal(j *Journal) {
	s.Subscribe("journal", func(_ context.Context, r engine.PatchExecutionLogRecord) error {
		return j.Write(r)
	}, nil)
}

// Log implements engine.LogSink.
func (s *Sink) Log(ctx context.Context, record engine.PatchExecutionLogRecord) {
	if s.logger != nil {
		s.logger.LogRecord(record)
	}
	if s.metrics != nil {
		s.metrics.ObserveRecord(record)
	}
	if s.tracer != nil {
		s.tracer.ObserveRecord(ctx, record)
	}

	s.mu.Lock()
	s.counts[record.Type]++
	subscribers := append([]subscriberEntry(nil), s.subscribers...)
	s.mu.Unlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(record) {
			continue
		}
		if err := entry.subscriber(ctx, record); err != nil {
			s.mu.Lock()
			s.errs = append(s.errs, &SubscriberError{Subscriber: entry.name, Err: err})
			s.mu.Unlock()
			if s.logger != nil {
				s.logger.WithError(err).WithField("subscriber", entry.name).Warn("Record subscriber failed")
			}
		}
	}
}

// Count returns how many records of type t were logged.
func (s *Sink) Count(t engine.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[t]
}

// Err returns the first subscriber error, or nil.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return nil
	}
	return s.errs[0]
}

// SubscriberError wraps an error returned by a subscriber.
type SubscriberError struct {
	Subscriber string
	Err        error
}

func (e *SubscriberError) Error() string {
	return "subscriber " + e.Subscriber + ": " + e.Err.Error()
}

func (e *SubscriberError) Unwrap() error { return e.Err }

// Common record filters.

// FilterErrors only allows records describing a fault or a stuck patch.
func FilterErrors() RecordFilter {
	return func(r engine.PatchExecutionLogRecord) bool {
		return r.Type.IsError()
	}
}

// FilterByType only allows records of the given types.
func FilterByType(types ...engine.EventType) RecordFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(r engine.PatchExecutionLogRecord) bool {
		return typeSet[r.Type]
	}
}

// FilterByRunID only allows records of one run.
func FilterByRunID(runID string) RecordFilter {
	return func(r engine.PatchExecutionLogRecord) bool {
		return r.RunID == runID
	}
}

// FilterByComponent only allows records about patches of one component.
func FilterByComponent(componentID string) RecordFilter {
	return func(r engine.PatchExecutionLogRecord) bool {
		return r.Patch != nil && r.Patch.ComponentID == componentID
	}
}
