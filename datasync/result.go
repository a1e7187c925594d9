package datasync

// PushStatus is the terminal state of a push run.
type PushStatus int

const (
	// PushComplete means every operation was attempted. Individual
	// operations may still have failed with conflicts.
	PushComplete PushStatus = iota
	PushCancelledByNetworkError
	PushCancelledByAuthenticationError
	PushCancelledByOfflineStoreError
	PushCancelledByToken
	PushInternalError
)

func (s PushStatus) String() string {
	switch s {
	case PushComplete:
		return "complete"
	case PushCancelledByNetworkError:
		return "cancelled_network_error"
	case PushCancelledByAuthenticationError:
		return "cancelled_authentication_error"
	case PushCancelledByOfflineStoreError:
		return "cancelled_offline_store_error"
	case PushCancelledByToken:
		return "cancelled"
	default:
		return "internal_error"
	}
}

// PushResult reports the outcome of a push run: its terminal status and
// the per-operation errors that were left behind. Operations that
// failed stay queued until their error is resolved.
type PushResult struct {
	Status PushStatus
	Errors []*TableOperationError
}

// IsSuccessful reports whether the push attempted everything and
// nothing failed.
func (r *PushResult) IsSuccessful() bool {
	return r.Status == PushComplete && len(r.Errors) == 0
}
