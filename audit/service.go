// Package audit persists a trail of inventory requests, their outcomes and
// admin actions. Writes are batched off the request path.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kasuganosora/gridstash/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditEntry is one event before it is persisted. Request and Response are
// stored as JSON.
type AuditEntry struct {
	TraceID     string
	AccountID   *int64
	Username    string
	Action      string
	InventoryID int64
	ItemID      int64
	Request     interface{}
	Response    interface{}
	ErrorCode   string
	Error       string
	IP          string
	DurationMs  int
}

func (e AuditEntry) record() *model.AuditLog {
	return &model.AuditLog{
		TraceID:     e.TraceID,
		AccountID:   e.AccountID,
		Username:    e.Username,
		Action:      e.Action,
		InventoryID: e.InventoryID,
		ItemID:      e.ItemID,
		Request:     jsonOrNull(e.Request),
		Response:    jsonOrNull(e.Response),
		ErrorCode:   e.ErrorCode,
		Error:       e.Error,
		IP:          e.IP,
		DurationMs:  e.DurationMs,
	}
}

func jsonOrNull(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}

// Option tunes a Service.
type Option func(*Service)

// WithBuffer sets how many entries may wait for the writer before Log
// starts dropping them. Default 1024.
func WithBuffer(n int) Option { return func(s *Service) { s.buffer = n } }

// WithBatch sets the batch size and the longest an entry waits before it
// is written. Defaults 100 and 2s.
func WithBatch(size int, every time.Duration) Option {
	return func(s *Service) { s.batchSize, s.flushEvery = size, every }
}

// Service writes entries in batches from a single background worker.
type Service struct {
	db         *gorm.DB
	logger     *zap.Logger
	buffer     int
	batchSize  int
	flushEvery time.Duration

	ch       chan *model.AuditLog
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	dropped  atomic.Uint64
}

// New starts a Service writing to db.
func New(db *gorm.DB, logger *zap.Logger, opts ...Option) *Service {
	svc := &Service{
		db:         db,
		logger:     logger,
		buffer:     1024,
		batchSize:  100,
		flushEvery: 2 * time.Second,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(svc)
	}
	svc.ch = make(chan *model.AuditLog, svc.buffer)
	go svc.worker()
	return svc
}

// Log queues entry without blocking. Entries logged once the queue is full
// are dropped and counted.
func (svc *Service) Log(entry AuditEntry) {
	select {
	case svc.ch <- entry.record():
	default:
		if n := svc.dropped.Add(1); n&(n-1) == 0 {
			svc.logger.Warn("audit queue full, entries dropped",
				zap.String("action", entry.Action),
				zap.Uint64("dropped_total", n))
		}
	}
}

// Dropped reports how many entries were lost to a full queue.
func (svc *Service) Dropped() uint64 { return svc.dropped.Load() }

// Stop flushes queued entries and stops the worker. It returns ctx's error
// if ctx ends first; the worker still finishes in the background.
func (svc *Service) Stop(ctx context.Context) error {
	svc.stopOnce.Do(func() { close(svc.stop) })
	select {
	case <-svc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (svc *Service) worker() {
	defer close(svc.done)
	ticker := time.NewTicker(svc.flushEvery)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, svc.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.CreateInBatches(batch, svc.batchSize).Error; err != nil {
			svc.logger.Error("audit batch write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-svc.ch:
			if batch = append(batch, rec); len(batch) >= svc.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stop:
			for {
				select {
				case rec := <-svc.ch:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}
