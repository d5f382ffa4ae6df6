package domain

import "fmt"

// SyncState tracks an optimistic change through pending -> confirmed or
// pending -> rolled back. Records received from the server are confirmed.
type SyncState int

const (
	SyncConfirmed SyncState = iota
	SyncPending
	SyncRolledBack
)

func (s SyncState) String() string {
	switch s {
	case SyncConfirmed:
		return "confirmed"
	case SyncPending:
		return "pending"
	case SyncRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON output.
func (s SyncState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *SyncState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "confirmed":
		*s = SyncConfirmed
	case "pending":
		*s = SyncPending
	case "rolled_back":
		*s = SyncRolledBack
	default:
		return fmt.Errorf("unknown sync state %q", b)
	}
	return nil
}
