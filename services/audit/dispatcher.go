package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/repositories"
	"go.uber.org/zap"
)

// Dispatcher mirrors emitted records to the audit database asynchronously.
// A single worker drains the buffer so rows are inserted in emission order.
type Dispatcher struct {
	auditRepo     repositories.AuditRepository
	txManager     repositories.TransactionManager
	logger        *zap.Logger
	records       chan *models.AuditRecord
	bufferSize    int
	batchSize     int
	insertTimeout time.Duration
	done          chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	dropped int
	failed  int
}

// DispatcherConfig holds configuration for the Dispatcher
type DispatcherConfig struct {
	BufferSize    int           // Size of the record buffer channel
	BatchSize     int           // Records inserted per transaction
	InsertTimeout time.Duration // Deadline for one batch
}

// DefaultDispatcherConfig returns the default configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BufferSize:    1000,
		BatchSize:     50,
		InsertTimeout: 5 * time.Second,
	}
}

// NewDispatcher creates a new Dispatcher. txManager may be nil, in which case
// records are inserted one by one.
func NewDispatcher(auditRepo repositories.AuditRepository, txManager repositories.TransactionManager, logger *zap.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultDispatcherConfig().BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = DefaultDispatcherConfig().InsertTimeout
	}

	return &Dispatcher{
		auditRepo:     auditRepo,
		txManager:     txManager,
		logger:        logger,
		records:       make(chan *models.AuditRecord, cfg.BufferSize),
		bufferSize:    cfg.BufferSize,
		batchSize:     cfg.BatchSize,
		insertTimeout: cfg.InsertTimeout,
		done:          make(chan struct{}),
	}
}

// Start starts the background worker
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("audit dispatcher already started")
	}

	go d.worker()

	d.started = true
	d.logger.Info("started audit dispatcher",
		zap.Int("buffer_size", d.bufferSize),
		zap.Int("batch_size", d.batchSize))

	return nil
}

// Stop stops accepting records and waits for the buffer to drain
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("audit dispatcher not running")
	}
	d.stopped = true
	close(d.records)
	pending := len(d.records)
	d.mu.Unlock()

	d.logger.Info("stopping audit dispatcher", zap.Int("pending_records", pending))

	select {
	case <-d.done:
		d.logger.Info("audit dispatcher stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit dispatcher stop timeout after %v", timeout)
	}
}

// Enqueue hands a record to the worker without blocking. A full buffer drops
// the record; the JSONL stream remains the record of truth.
func (d *Dispatcher) Enqueue(record *models.AuditRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return fmt.Errorf("audit dispatcher not running")
	}

	select {
	case d.records <- record:
		return nil
	default:
		d.dropped++
		d.logger.Warn("audit mirror buffer full, dropping record",
			zap.String("id", record.ID.String()),
			zap.String("stream", string(record.Stream)))
		return fmt.Errorf("audit mirror buffer full")
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)

	for record := range d.records {
		batch := []*models.AuditRecord{record}
	drain:
		for len(batch) < d.batchSize {
			select {
			case next, ok := <-d.records:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}

		if err := d.flush(batch); err != nil {
			d.mu.Lock()
			d.failed += len(batch)
			d.mu.Unlock()
			d.logger.Error("failed to mirror audit records",
				zap.Int("batch_size", len(batch)),
				zap.String("first_id", batch[0].ID.String()),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) flush(batch []*models.AuditRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.insertTimeout)
	defer cancel()

	insertAll := func(ctx context.Context) error {
		for _, record := range batch {
			if err := d.auditRepo.Insert(ctx, record); err != nil {
				return err
			}
		}
		return nil
	}

	if d.txManager == nil || len(batch) == 1 {
		return insertAll(ctx)
	}
	return d.txManager.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		return insertAll(ctx)
	})
}

// Stats returns statistics about the dispatcher
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return DispatcherStats{
		BufferSize:     d.bufferSize,
		PendingRecords: len(d.records),
		Dropped:        d.dropped,
		Failed:         d.failed,
		Running:        d.started && !d.stopped,
	}
}

// DispatcherStats represents dispatcher statistics
type DispatcherStats struct {
	BufferSize     int
	PendingRecords int
	Dropped        int
	Failed         int
	Running        bool
}
