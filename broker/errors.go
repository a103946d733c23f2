package broker

import (
	"encoding/json"
	"fmt"

	"collabkit.dev/collabkit/crdt"
	"collabkit.dev/collabkit/functions"
	"collabkit.dev/collabkit/wire"
)

// PermissionDeniedError reports that a principal lacked authorization for
// action.
type PermissionDeniedError struct {
	Action string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("broker: permission denied: %s", e.Action)
}

// RateLimitedError reports that a connection's outbound token bucket was
// empty.
type RateLimitedError struct{}

func (e *RateLimitedError) Error() string { return "broker: rate limited" }

// errorCodeFor maps an internal error to the wire.ErrorCode the session
// reports to the client.
func errorCodeFor(err error) wire.ErrorCode {
	switch err.(type) {
	case *NotFoundError:
		return wire.ErrRoomNotFound
	case *PermissionDeniedError:
		return wire.ErrPermissionDenied
	case *RateLimitedError:
		return wire.ErrRateLimited
	case *wire.FormatError:
		return wire.ErrInvalidMessage
	case *crdt.DecodeError, *crdt.UnsupportedOpError:
		return wire.ErrInvalidOperation
	case *functions.NotFoundError:
		return wire.ErrFunctionNotFound
	case *functions.PermissionDeniedError:
		return wire.ErrPermissionDenied
	case *functions.CallError:
		return wire.ErrFunctionError
	default:
		return wire.ErrInternal
	}
}

func marshalSnapshot(snap crdt.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}
