package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/frostvale/gatehouse/internal/gatehouse/store"
)

// CloseDelivery delivers a session close-out write. The tracker's Closing
// transition goes through this interface so it never needs to know which
// delivery path ended up completing the write.
type CloseDelivery interface {
	Deliver(ctx context.Context, sessionID string, exitTime time.Time, cumulativeSeconds int64) error
}

// storeDelivery is the primary path: a synchronous, row-scoped store write.
type storeDelivery struct {
	store store.Store
}

func (d *storeDelivery) Deliver(ctx context.Context, sessionID string, exitTime time.Time, cumulativeSeconds int64) error {
	return d.store.Sessions().CloseSession(ctx, sessionID, exitTime, cumulativeSeconds)
}

type closeRequest struct {
	sessionID         string
	exitTime          time.Time
	cumulativeSeconds int64
}

// FlushQueue is the fallback path: a fire-and-forget queue drained by a
// background worker with its own context, so a close-out enqueued during
// page teardown completes even after the triggering request is gone.
type FlushQueue struct {
	store   store.Store
	logger  *slog.Logger
	timeout time.Duration

	queue  chan closeRequest
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewFlushQueue creates the fallback flush worker. capacity bounds the
// number of pending close-outs; beyond it new requests are dropped (the
// orphan sweep eventually repairs anything lost here).
func NewFlushQueue(st store.Store, logger *slog.Logger, capacity int, timeout time.Duration) *FlushQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FlushQueue{
		store:   st,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan closeRequest, capacity),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the drain worker. Call Stop to flush and shut down.
func (q *FlushQueue) Start() {
	go q.run()
}

// Stop shuts the worker down after draining whatever is already queued.
func (q *FlushQueue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

// Enqueue hands a close-out to the background worker. It never blocks; a
// full queue drops the request with a warning.
func (q *FlushQueue) Enqueue(sessionID string, exitTime time.Time, cumulativeSeconds int64) {
	req := closeRequest{sessionID: sessionID, exitTime: exitTime, cumulativeSeconds: cumulativeSeconds}
	select {
	case q.queue <- req:
	default:
		q.logger.Warn("flush queue full, dropping close-out", "session_id", sessionID)
	}
}

func (q *FlushQueue) run() {
	defer close(q.doneCh)

	for {
		select {
		case req := <-q.queue:
			q.flush(req)
		case <-q.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case req := <-q.queue:
					q.flush(req)
				default:
					return
				}
			}
		}
	}
}

func (q *FlushQueue) flush(req closeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if err := q.store.Sessions().CloseSession(ctx, req.sessionID, req.exitTime, req.cumulativeSeconds); err != nil {
		// The orphan sweep is the backstop for anything lost here.
		q.logger.Warn("fallback close-out failed", "session_id", req.sessionID, "err", err)
	}
}

// tieredDelivery tries the primary synchronous write and falls back to the
// queue when the primary cannot complete in time.
type tieredDelivery struct {
	primary  CloseDelivery
	fallback *FlushQueue
	logger   *slog.Logger
}

func (d *tieredDelivery) Deliver(ctx context.Context, sessionID string, exitTime time.Time, cumulativeSeconds int64) error {
	err := d.primary.Deliver(ctx, sessionID, exitTime, cumulativeSeconds)
	if err == nil {
		return nil
	}

	d.logger.Debug("primary close-out failed, queueing fallback", "session_id", sessionID, "err", err)
	d.fallback.Enqueue(sessionID, exitTime, cumulativeSeconds)
	return nil
}
