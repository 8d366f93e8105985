package collab

import (
	"errors"
	"fmt"

	"github.com/persistorai/dashsync/internal/models"
)

// Engine errors.
var (
	ErrEngineStopped    = errors.New("engine stopped")
	ErrNotOpen          = errors.New("no dashboard open")
	ErrUnknownWidget    = errors.New("widget not in local store")
	ErrWidgetRemoved    = errors.New("widget was removed")
	ErrDeleteNotApplied = errors.New("delete affected no rows")
	ErrResyncFailed     = errors.New("resync failed")
	ErrSubscriptionLost = errors.New("change feed subscription lost")
	ErrHeartbeatTimeout = errors.New("change feed heartbeat timed out")
)

// TransportError marks a network or platform failure. It is never a conflict.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// SignalKind identifies a UI-facing notification.
type SignalKind int

// Signal kinds.
const (
	// SignalChanged: the local store changed for WidgetID.
	SignalChanged SignalKind = iota + 1
	SignalSaved
	SignalConflict
	SignalNotFound
	// SignalRemoved: the widget was deleted while mounted; writes stop.
	SignalRemoved
	SignalTransportFailure
	SignalDeleteFailed
	SignalResynced
)

func (k SignalKind) String() string {
	switch k {
	case SignalChanged:
		return "changed"
	case SignalSaved:
		return "saved"
	case SignalConflict:
		return "conflict"
	case SignalNotFound:
		return "not_found"
	case SignalRemoved:
		return "removed"
	case SignalTransportFailure:
		return "transport_failure"
	case SignalDeleteFailed:
		return "delete_failed"
	case SignalResynced:
		return "resynced"
	default:
		return fmt.Sprintf("SignalKind(%d)", int(k))
	}
}

// Signal is delivered on Engine.Signals.
type Signal struct {
	Kind        SignalKind
	DashboardID string
	WidgetID    string
	Widget      *models.Widget
	Err         error
}
