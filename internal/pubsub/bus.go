// Package pubsub is the in-process event bus between ingestion, the
// red-flag engine and the delivery tracker. It keeps the core independent
// of any particular transport: the Kafka ingester, the HTTP webhook and
// tests all publish through the same interface.
package pubsub

import (
	"sync"

	"github.com/proppulse/backend/internal/metrics"
	"github.com/proppulse/backend/internal/models"
)

// StatusEvent is a provider delivery-status change.
type StatusEvent struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
}

// Bus fans out KPI updates and delivery status events to subscribers.
// Publish never blocks: a full subscriber drops the event and counts it.
type Bus struct {
	mu         sync.RWMutex
	kpiSubs    []chan models.KPIUpdate
	statusSubs []chan StatusEvent
	bufSize    int
}

// New creates a bus; bufSize is the per-subscriber channel buffer.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{bufSize: bufSize}
}

// SubscribeKPIUpdates returns a channel receiving all published updates.
func (b *Bus) SubscribeKPIUpdates() <-chan models.KPIUpdate {
	ch := make(chan models.KPIUpdate, b.bufSize)
	b.mu.Lock()
	b.kpiSubs = append(b.kpiSubs, ch)
	b.mu.Unlock()
	return ch
}

// PublishKPIUpdate delivers the update to every subscriber.
func (b *Bus) PublishKPIUpdate(u models.KPIUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.kpiSubs {
		select {
		case ch <- u:
		default:
			metrics.BusDroppedTotal.WithLabelValues("kpi_update").Inc()
		}
	}
}

// SubscribeDeliveryStatus returns a channel receiving status events.
func (b *Bus) SubscribeDeliveryStatus() <-chan StatusEvent {
	ch := make(chan StatusEvent, b.bufSize)
	b.mu.Lock()
	b.statusSubs = append(b.statusSubs, ch)
	b.mu.Unlock()
	return ch
}

// PublishDeliveryStatus delivers the event to every subscriber.
func (b *Bus) PublishDeliveryStatus(e StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.statusSubs {
		select {
		case ch <- e:
		default:
			metrics.BusDroppedTotal.WithLabelValues("delivery_status").Inc()
		}
	}
}
