package queue

import (
	"sync"

	"github.com/google/uuid"

	"github.com/beeper/asmux/internal/database"
)

// Manager hands out the per-appservice queue instances, creating them
// lazily. Queues are cheap; the stream itself lives on the shared log.
type Manager struct {
	client        StreamClient
	mxidSuffix    string
	reportExpired ExpiredReporter

	mu     sync.Mutex
	queues map[uuid.UUID]*Queue
}

func NewManager(client StreamClient, mxidSuffix string, reportExpired ExpiredReporter) *Manager {
	return &Manager{
		client:        client,
		mxidSuffix:    mxidSuffix,
		reportExpired: reportExpired,
		queues:        make(map[uuid.UUID]*Queue),
	}
}

// Get returns the queue for an appservice, creating it on first use.
func (m *Manager) Get(az *database.AppService) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[az.ID]
	if !ok {
		q = New(m.client, az, m.mxidSuffix, m.reportExpired)
		m.queues[az.ID] = q
	}
	return q
}
