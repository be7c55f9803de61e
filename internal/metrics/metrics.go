package metrics

import (
	"sort"
	"sync"
)

// Relay counter names.
const (
	FramesReceived       = "frames_received"
	FramesMalformed      = "frames_malformed"
	FramesForwarded      = "frames_forwarded"
	FramesBroadcast      = "frames_broadcast"
	TargetMissing        = "target_missing"
	ServerOnlyFromClient = "server_only_from_client"
	SendBufferFull       = "send_buffer_full"
	PeersJoined          = "peers_joined"
	PeersLeft            = "peers_left"
)

// Metrics is a minimal, concurrency-safe counter registry.
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

func (m *Metrics) Add(name string, n uint64) {
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// Names returns the counter names in sorted order.
func (m *Metrics) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.m))
	for k := range m.m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
