// Package metering buffers VEx and FU usage deltas and drains them to the
// billing provider, and computes reserved-capacity overage charges.
package metering

import (
	"context"
	"log"
	"sync"
	"time"
)

// Unit is a billable quantity kind.
type Unit string

const (
	UnitVEx Unit = "vex"
	UnitFU  Unit = "fu"
)

// Event is one usage delta bound for the billing provider.
type Event struct {
	Tenant string
	Unit   Unit
	Item   string
	Count  int64
}

// BillingClient is the narrow enqueue surface of the external billing
// system. Implementations must be safe for use by the single flusher.
type BillingClient interface {
	RecordUsage(ctx context.Context, item string, quantity int64) error
}

// Buffer is a bounded multi-producer queue consumed by one flusher
// goroutine. Enqueue blocks briefly when the buffer is full rather than
// dropping counted usage.
type Buffer struct {
	client        BillingClient
	events        chan Event
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[pendingKey]int64

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

type pendingKey struct {
	tenant string
	unit   Unit
	item   string
}

func NewBuffer(client BillingClient, capacity int, flushInterval time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = 1024
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	b := &Buffer{
		client:        client,
		events:        make(chan Event, capacity),
		flushInterval: flushInterval,
		pending:       map[pendingKey]int64{},
		done:          make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Enqueue adds a usage delta. Events with no billing item are counted in
// storage only and skipped here.
func (b *Buffer) Enqueue(ev Event) {
	if ev.Item == "" || ev.Count <= 0 {
		return
	}
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// Close drains the queue and flushes pending deltas before returning.
func (b *Buffer) Close() {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *Buffer) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-b.events:
			b.accumulate(ev)
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.done:
			for {
				select {
				case ev := <-b.events:
					b.accumulate(ev)
				default:
					b.Flush(context.Background())
					return
				}
			}
		}
	}
}

func (b *Buffer) accumulate(ev Event) {
	b.mu.Lock()
	b.pending[pendingKey{ev.Tenant, ev.Unit, ev.Item}] += ev.Count
	b.mu.Unlock()
}

// Flush posts accumulated deltas to the billing client. Failed posts are
// re-credited so the next flush retries them.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = map[pendingKey]int64{}
	b.mu.Unlock()

	for key, count := range batch {
		if err := b.client.RecordUsage(ctx, key.item, count); err != nil {
			log.Printf("metering: flush %s/%s failed, requeueing %d: %v", key.tenant, key.unit, count, err)
			b.mu.Lock()
			b.pending[key] += count
			b.mu.Unlock()
		}
	}
}

// PendingTotal reports the undelivered count for one key (tests, metrics).
func (b *Buffer) PendingTotal(tenant string, unit Unit, item string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[pendingKey{tenant, unit, item}]
}
