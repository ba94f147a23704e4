package core

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied       = errors.New("microphone permission denied")
	ErrJoinTimeout            = errors.New("join timed out")
	ErrConnectionFailedStable = errors.New("connection failed after retries")
	ErrRoomDeleted            = errors.New("room deleted")
	ErrSubscriptionRejected   = errors.New("subscription rejected")
	ErrNotConnected           = errors.New("not connected")
	ErrNotLeader              = errors.New("not the room leader")
	ErrClosed                 = errors.New("session closed")
)

// ErrorKind groups failures by how a caller should react.
type ErrorKind string

const (
	KindPermission    ErrorKind = "permission"
	KindAuthorization ErrorKind = "authorization"
	KindTransport     ErrorKind = "transport"
	KindTimeout       ErrorKind = "timeout"
	KindRoom          ErrorKind = "room"
)

// AuthReason is the denial reason reported by the credential service.
type AuthReason string

const (
	ReasonPinRequired         AuthReason = "PIN_REQUIRED"
	ReasonPinIncorrect        AuthReason = "PIN_INCORRECT"
	ReasonRoomNotRegistered   AuthReason = "ROOM_NOT_REGISTERED"
	ReasonBadRequest          AuthReason = "BAD_REQUEST"
	ReasonServerMisconfigured AuthReason = "SERVER_MISCONFIGURED"
	ReasonForbidden           AuthReason = "FORBIDDEN"
	ReasonTransport           AuthReason = "AUTH_TRANSPORT"
)

// AuthError is a denied credential request.
type AuthError struct {
	Reason AuthReason
	Status int
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("authorization denied: %s", e.Reason)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// SessionError is what the session surfaces to its caller.
type SessionError struct {
	Kind ErrorKind
	Code string
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Classify maps a failure onto the session error taxonomy.
func Classify(err error) *SessionError {
	if err == nil {
		return nil
	}
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	var ae *AuthError
	switch {
	case errors.As(err, &ae):
		return &SessionError{Kind: KindAuthorization, Code: string(ae.Reason), Err: err}
	case errors.Is(err, ErrPermissionDenied):
		return &SessionError{Kind: KindPermission, Code: "PERMISSION_DENIED", Err: err}
	case errors.Is(err, ErrJoinTimeout):
		return &SessionError{Kind: KindTimeout, Code: "JOIN_TIMEOUT", Err: err}
	case errors.Is(err, ErrConnectionFailedStable):
		return &SessionError{Kind: KindTransport, Code: "CONNECTION_FAILED_STABLE", Err: err}
	case errors.Is(err, ErrRoomDeleted):
		return &SessionError{Kind: KindRoom, Code: "ROOM_DELETED", Err: err}
	case errors.Is(err, ErrSubscriptionRejected):
		return &SessionError{Kind: KindAuthorization, Code: "SUB_FAILED", Err: err}
	}
	return &SessionError{Kind: KindTransport, Code: "UNKNOWN", Err: err}
}
