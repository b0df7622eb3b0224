// Package services defines the business logic for marketplace chat rooms and
// their messages. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers with errors.Is.
//
// Service methods wrap these sentinels with detail, e.g.
//
//	fmt.Errorf("%w: message body is required", ErrValidation)
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer; the WebSocket session reports the wrapped text.
package services

import "errors"

var (
	// ErrRoomNotFound indicates that the requested room does not exist.
	ErrRoomNotFound = errors.New("chatroom does not exist")

	// ErrValidation is returned when an inbound message misses a required
	// field or breaks a length rule.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidReference is returned when room creation references a
	// product, seller, or buyer that cannot be resolved.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrPersistence wraps storage failures so callers can tell them apart
	// from caller mistakes.
	ErrPersistence = errors.New("persistence failure")

	// ErrForbidden is returned when the caller is neither seller nor buyer
	// of the room it asks about.
	ErrForbidden = errors.New("not a participant of this room")
)
