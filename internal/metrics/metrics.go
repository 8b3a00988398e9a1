package metrics

import "sync"

// Event names counted by the signaling service.
const (
	ConnectionOpened = "connection_opened"
	ConnectionClosed = "connection_closed"

	JoinAccepted           = "join_accepted"
	JoinRejectedInvalid    = "join_rejected_invalid_code"
	JoinRejectedRoomFull   = "join_rejected_room_full"
	PeerJoinedSent         = "peer_joined_sent"
	PeerLeftSent           = "peer_left_sent"
	InvalidMessage         = "invalid_message"
	RateLimited            = "rate_limited"
	RelayForwarded         = "relay_forwarded"
	RelayDroppedNoPeer     = "relay_dropped_no_peer"
	SendQueueOverflow      = "send_queue_overflow"
	CredentialIssued       = "credential_issued"
	CredentialIssueFailure = "credential_issue_failure"

	RevocationWritten = "revocation_written"
	RevocationSkipped = "revocation_skipped_expired"
	RevocationFailed  = "revocation_failed"
)

// Metrics is a concurrency-safe named counter registry. PrometheusHandler
// exports it.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
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
