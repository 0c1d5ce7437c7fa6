package chatsync

import (
	"fmt"
	"time"
)

// Status is the delivery state of a message.
//
// Sending and Failed belong to the local-only phase and are written only by the
// DeliveryQueue. Delivered and Read are derived from receipts by the
// Reconciler. Sent is the boundary between the two and is entered only when the
// DeliveryQueue acknowledges a message.
type Status uint8

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

var statusNames = [...]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
	return statusNames[s]
}

// MarshalText persists the status by name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("chatsync: cannot marshal %s", s)
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText rejects names it does not know.
func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStatus parses a status name.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("chatsync: unknown status %q", name)
}

func (s Status) localOnly() bool {
	switch s {
	case StatusSending, StatusFailed:
		return true
	case StatusSent, StatusDelivered, StatusRead:
		return false
	default:
		panic(fmt.Sprintf("chatsync: unhandled %s", s))
	}
}

// rank orders the forward progression. Failed shares the rank of Sending.
func (s Status) rank() int {
	switch s {
	case StatusSending, StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		panic(fmt.Sprintf("chatsync: unhandled %s", s))
	}
}

// ============================================================================
// Transitions
// ============================================================================

// beginAttempt moves a failed message back to sending as a write attempt
// starts. It reports false when the message is no longer local-only.
func (m *Message) beginAttempt() bool {
	switch m.Status {
	case StatusFailed:
		m.Status = StatusSending
		return true
	case StatusSending:
		return true
	case StatusSent, StatusDelivered, StatusRead:
		return false
	default:
		panic(fmt.Sprintf("chatsync: unhandled %s", m.Status))
	}
}

// markSent records the remote acknowledgment. It reports whether anything changed.
func (m *Message) markSent() bool {
	switch m.Status {
	case StatusSending, StatusFailed:
		m.Status = StatusSent
		m.Delivery = nil
		return true
	case StatusSent, StatusDelivered, StatusRead:
		return false
	default:
		panic(fmt.Sprintf("chatsync: unhandled %s", m.Status))
	}
}

// scheduleRetry records a failed attempt. retryCount is capped at maxAttempts.
func (m *Message) scheduleRetry(now time.Time, backoff func(int) time.Duration, maxAttempts int, markFailed bool, cause string) bool {
	switch m.Status {
	case StatusSending, StatusFailed:
	case StatusSent, StatusDelivered, StatusRead:
		return false
	default:
		panic(fmt.Sprintf("chatsync: unhandled %s", m.Status))
	}
	if m.Delivery == nil {
		m.Delivery = &DeliveryState{}
	}
	m.Delivery.RetryCount = min(m.Delivery.RetryCount+1, maxAttempts)
	m.Delivery.NextRetryAt = now.Add(backoff(m.Delivery.RetryCount))
	m.Delivery.LastError = cause
	if markFailed {
		m.Status = StatusFailed
	}
	return true
}

// applyReceipts derives delivered/read from the receipts of others. Local-only
// messages are left alone, and the status never moves backwards.
func (m *Message) applyReceipts(others []string) bool {
	switch m.Status {
	case StatusSending, StatusFailed:
		return false
	case StatusSent, StatusDelivered, StatusRead:
	default:
		panic(fmt.Sprintf("chatsync: unhandled %s", m.Status))
	}

	derived := StatusSent
	seen := 0
	for _, p := range others {
		if m.HasReceiptFrom(p) {
			seen++
		}
	}
	switch {
	case len(others) > 0 && seen == len(others):
		derived = StatusRead
	case seen > 0:
		derived = StatusDelivered
	}
	if derived.rank() <= m.Status.rank() {
		return false
	}
	m.Status = derived
	return true
}

// applyAnyReceipt derives status when the participants are unknown: a receipt
// from anyone but the sender means delivered. Read is never derived.
func (m *Message) applyAnyReceipt() bool {
	if m.Status != StatusSent {
		return false
	}
	for _, uid := range m.ReadBy {
		if uid != m.SenderID {
			m.Status = StatusDelivered
			return true
		}
	}
	for uid := range m.ReadTimestamps {
		if uid != m.SenderID {
			m.Status = StatusDelivered
			return true
		}
	}
	return false
}
