// Package queue buffers per-appservice transactions on a shared stream log
// so that every proxy replica sees the same pending batches. Entries are
// removed only after the consumer commits a batch, which is what makes
// at-most-once delivery commit possible across replicas.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/beeper/asmux/internal/database"
	"github.com/beeper/asmux/internal/events"
)

const (
	// StreamTTL caps how long an orphaned queue can live. A safety net, not a
	// delivery guarantee.
	StreamTTL = 7 * 24 * time.Hour
	// ReadBlock is how long a blocking read waits before re-issuing.
	ReadBlock = 30 * time.Second
	// ReadCount is the maximum number of entries combined into one delivery.
	ReadCount = 10

	streamPrefix = "bridge-txns-"
)

// StreamEntry is one record on the shared log.
type StreamEntry struct {
	ID      string
	Payload []byte
}

// StreamClient is the slice of the shared log the queue needs. The concrete
// implementation in internal/infra wraps Redis streams.
type StreamClient interface {
	// Append adds one entry and refreshes the stream TTL atomically.
	Append(ctx context.Context, stream string, payload []byte, ttl time.Duration) error
	// ReadBlocking returns up to count pending entries, waiting up to block.
	// An empty result means the wait timed out.
	ReadBlocking(ctx context.Context, stream string, count int64, block time.Duration) ([]StreamEntry, error)
	// Delete removes specific entries from the stream.
	Delete(ctx context.Context, stream string, ids ...string) error
	// Range returns all pending entries without blocking.
	Range(ctx context.Context, stream string) ([]StreamEntry, error)
}

// ExpiredReporter is called with PDUs dropped by the stale-eviction policy.
type ExpiredReporter func(az *database.AppService, expired []events.Event)

// Queue is the durable FIFO for a single appservice.
type Queue struct {
	client        StreamClient
	az            *database.AppService
	stream        string
	ownerMXID     string
	reportExpired ExpiredReporter
	log           *slog.Logger
}

func New(client StreamClient, az *database.AppService, mxidSuffix string, reportExpired ExpiredReporter) *Queue {
	return &Queue{
		client:        client,
		az:            az,
		stream:        streamPrefix + az.ID.String(),
		ownerMXID:     az.OwnerMXID(mxidSuffix),
		reportExpired: reportExpired,
		log:           slog.With("appservice", az.Name()),
	}
}

// Push serializes the envelope and appends it to the stream, refreshing the
// seven-day TTL in the same atomic step.
func (q *Queue) Push(ctx context.Context, txn *events.Events) error {
	payload, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("marshal txn: %w", err)
	}
	if err := q.client.Append(ctx, q.stream, payload, StreamTTL); err != nil {
		return fmt.Errorf("append to %s: %w", q.stream, err)
	}
	return nil
}

// Batch is a borrowed set of stream entries combined into one envelope. The
// entries stay on the stream until Commit; abandoning the batch leaves them
// for the next read.
type Batch struct {
	Txn *events.Events

	queue *Queue
	ids   []string
}

// Commit removes the batch from the stream. Call only after the delivery was
// acknowledged or an explicit drop policy fired.
func (b *Batch) Commit(ctx context.Context) error {
	return b.queue.client.Delete(ctx, b.queue.stream, b.ids...)
}

// Next blocks until a non-empty batch is available. Stale PDUs are evicted
// (and reported) before the batch is returned; batches that end up empty are
// deleted from the stream without a delivery attempt. Stream read errors are
// retried with a short backoff until ctx is done.
func (q *Queue) Next(ctx context.Context) (*Batch, error) {
	for {
		entries, err := q.client.ReadBlocking(ctx, q.stream, ReadCount, ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.log.Warn("Stream read failed, retrying", "stream", q.stream, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		if len(entries) == 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		combined := events.New("")
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.ID)
			var txn events.Events
			if err := json.Unmarshal(entry.Payload, &txn); err != nil {
				q.log.Warn("Dropping malformed queue entry", "stream_id", entry.ID, "error", err)
				continue
			}
			q.evictExpired(&txn)
			combined.Append(&txn)
		}

		if combined.IsEmpty() {
			if err := q.client.Delete(ctx, q.stream, ids...); err != nil {
				q.log.Warn("Failed to delete empty batch", "error", err)
			}
			continue
		}
		return &Batch{Txn: combined, queue: q, ids: ids}, nil
	}
}

func (q *Queue) evictExpired(txn *events.Events) {
	expired := txn.PopExpiredPDU(q.ownerMXID, events.MaxPDUAge)
	if len(expired) == 0 {
		return
	}
	q.log.Warn("Dropped expired PDUs", "count", len(expired), "txn_id", txn.TxnID)
	if q.reportExpired != nil {
		go q.reportExpired(q.az, expired)
	}
}

// ContainsPDUs reports whether any buffered entry still carries a PDU after
// hypothetically applying stale eviction. Nothing is written back; eviction
// proper happens in Next.
func (q *Queue) ContainsPDUs(ctx context.Context) (bool, error) {
	entries, err := q.client.Range(ctx, q.stream)
	if err != nil {
		return false, fmt.Errorf("range %s: %w", q.stream, err)
	}
	for _, entry := range entries {
		var txn events.Events
		if err := json.Unmarshal(entry.Payload, &txn); err != nil {
			continue
		}
		txn.PopExpiredPDU(q.ownerMXID, events.MaxPDUAge)
		if len(txn.PDU) > 0 {
			return true, nil
		}
	}
	return false, nil
}
