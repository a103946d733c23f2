// Package wire defines the JSON envelope and message schema exchanged
// between client and broker: a single discriminated
// union keyed by `type`, bounded in size on both encode and decode, with
// every embedded function name validated up front so the broker dispatcher
// never has to re-derive structural invariants.
package wire

import (
	"encoding/json"
	"fmt"

	"collabkit.dev/collabkit/crdt"
	"collabkit.dev/collabkit/internal/jsonvalue"
	"collabkit.dev/collabkit/internal/validate"
)

// Type discriminates the kinds of message that can appear in an Envelope.
type Type string

// Client -> broker message kinds.
const (
	TypeAuth                  Type = "auth"
	TypeJoin                  Type = "join"
	TypeLeave                 Type = "leave"
	TypeOperation             Type = "operation"
	TypeSyncRequest           Type = "sync_request"
	TypeCall                  Type = "call"
	TypePresence              Type = "presence"
	TypePing                  Type = "ping"
	TypeScreenshareStart      Type = "screenshare_start"
	TypeScreenshareStop       Type = "screenshare_stop"
	TypeRTCOffer              Type = "rtc_offer"
	TypeRTCAnswer             Type = "rtc_answer"
	TypeRTCICECandidate       Type = "rtc_ice_candidate"
	TypeRemoteControlRequest  Type = "remote_control_request"
	TypeRemoteControlResponse Type = "remote_control_response"
)

// Broker -> client message kinds.
const (
	TypeAuthenticated      Type = "authenticated"
	TypeJoined             Type = "joined"
	TypeSync               Type = "sync"
	TypeCallResult         Type = "call_result"
	TypeUserJoined         Type = "user_joined"
	TypeUserLeft           Type = "user_left"
	TypeError              Type = "error"
	TypePong               Type = "pong"
	TypeScreenshareStarted Type = "screenshare_started"
	TypeScreenshareStopped Type = "screenshare_stopped"
)

// ErrorCode enumerates the wire-visible error codes.
type ErrorCode string

const (
	ErrAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrPermissionDenied     ErrorCode = "PERMISSION_DENIED"
	ErrRoomNotFound         ErrorCode = "ROOM_NOT_FOUND"
	ErrInvalidMessage       ErrorCode = "INVALID_MESSAGE"
	ErrInvalidOperation     ErrorCode = "INVALID_OPERATION"
	ErrFunctionNotFound     ErrorCode = "FUNCTION_NOT_FOUND"
	ErrFunctionError        ErrorCode = "FUNCTION_ERROR"
	ErrRateLimited          ErrorCode = "RATE_LIMITED"
	ErrInternal             ErrorCode = "INTERNAL_ERROR"
)

// User is the `{id, display_name}` descriptor carried in `joined` and
// `user_joined` messages.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// ErrorPayload is the body of a `call_result`'s error field or a top-level
// `error` message.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
	RoomID  string    `json:"room_id,omitempty"`
}

// Envelope is the single JSON shape every message on the wire takes,
// fields populated according to Type. Unused fields are
// omitted on encode; Decode does not require every field an unrecognized
// Type might carry, since validation of type-specific required fields is
// the dispatcher's job.
type Envelope struct {
	Type Type `json:"type"`

	RoomID string `json:"room_id,omitempty"`
	UserID string `json:"user_id,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	// operation / sync
	Operation  json.RawMessage  `json:"operation,omitempty"`
	Operations []json.RawMessage `json:"operations,omitempty"`
	State      *crdt.Snapshot   `json:"state,omitempty"`
	Since      map[string]float64 `json:"since,omitempty"`

	// joined
	Users []User `json:"users,omitempty"`
	User  *User  `json:"user,omitempty"`

	// presence
	Presence jsonvalue.Value `json:"presence,omitempty"`

	// call / call_result
	CallID       string          `json:"call_id,omitempty"`
	FunctionName string          `json:"function_name,omitempty"`
	Args         jsonvalue.Value `json:"args,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Result       jsonvalue.Value `json:"result,omitempty"`

	// error
	Error *ErrorPayload `json:"error,omitempty"`

	// webrtc / screen-share signaling
	TargetUserID string          `json:"target_user_id,omitempty"`
	FromUserID   string          `json:"from_user_id,omitempty"`
	SDP          string          `json:"sdp,omitempty"`
	Candidate    jsonvalue.Value `json:"candidate,omitempty"`
	Granted      *bool           `json:"granted,omitempty"`
}

// FormatError reports a structurally invalid envelope.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return fmt.Sprintf("wire: %s", e.Reason) }

// Encode marshals e to JSON, enforcing the maximum wire message size on the
// way out just as Decode does on the way in.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if err := validate.CheckSize(len(data), validate.MaxMessageSize); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode bounds the message size, parses the envelope, and validates the
// structural invariants every message must satisfy: a non-empty `type`; for
// `call`, a function_name matching the required pattern and an `args`
// payload free of dangerous keys; for `presence`, a payload free of
// dangerous keys.
func Decode(data []byte) (Envelope, error) {
	if err := validate.CheckSize(len(data), validate.MaxMessageSize); err != nil {
		return Envelope{}, err
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, &FormatError{Reason: "invalid JSON: " + err.Error()}
	}
	if e.Type == "" {
		return Envelope{}, &FormatError{Reason: "missing type"}
	}
	if e.Type == TypeCall {
		if err := validate.CheckFunctionName(e.FunctionName); err != nil {
			return Envelope{}, &FormatError{Reason: "invalid function_name: " + err.Error()}
		}
		if err := validate.CheckValue(e.Args); err != nil {
			return Envelope{}, &FormatError{Reason: "invalid args: " + err.Error()}
		}
	}
	if e.Type == TypePresence {
		if err := validate.CheckValue(e.Presence); err != nil {
			return Envelope{}, &FormatError{Reason: "invalid presence: " + err.Error()}
		}
	}
	return e, nil
}

// DecodeOperation extracts and validates the embedded operation of an
// `operation`-type envelope.
func (e Envelope) DecodeOperation() (crdt.Operation, error) {
	if len(e.Operation) == 0 {
		return crdt.Operation{}, &FormatError{Reason: "missing operation"}
	}
	return crdt.Decode(e.Operation)
}
