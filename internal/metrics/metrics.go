package metrics

import "sync"

// Event names recorded by the signaling relay.
const (
	ConnectionsOpened  = "connections_opened"
	ConnectionsClosed  = "connections_closed"
	ConnectionsRefused = "connections_refused"

	RoomsCreated = "rooms_created"
	RoomsDeleted = "rooms_deleted"

	JoinAccepted      = "join_accepted"
	JoinRejectedFull  = "join_rejected_room_full"
	JoinRejectedQuota = "join_rejected_too_many_rooms"

	MessagesRelayed  = "messages_relayed"
	DeliveryFailures = "delivery_failures"
	PeersEvicted     = "peers_evicted"
	PeersLeft        = "peers_left"

	ProtocolErrors = "protocol_errors"
	InvalidJSON    = "invalid_json"
	RateLimited    = "rate_limited"
)

// Metrics is a concurrency-safe counter registry.
//
// Counters are keyed by event name and exported in bulk by PrometheusHandler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
