package session

import (
	"errors"
	"fmt"
)

// Kind classifies session failures.
type Kind string

const (
	KindInvalidRoomID Kind = "invalid-room-id"
	KindRoomRejected  Kind = "room-rejected"
	KindEmptyInput    Kind = "empty-input"
)

var (
	ErrInvalidRoomID = &Error{Kind: KindInvalidRoomID}
	ErrRoomRejected  = &Error{Kind: KindRoomRejected}
	ErrEmptyInput    = &Error{Kind: KindEmptyInput}

	ErrNotActive  = errors.New("session: not active")
	ErrWrongPhase = errors.New("session: operation not valid in current phase")
)

// Error is a classified session failure. Invalid room ids and rejections are
// terminal; empty input is not.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrRoomRejected)
// holds whatever reason the service gave.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Terminal reports whether the error ends the session.
func (e *Error) Terminal() bool {
	return e.Kind != KindEmptyInput
}
