package domain

import "errors"

var (
	// ErrRoomNotFound is returned when an operation references a room that does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomClosed is returned when a room worker has already shut down.
	ErrRoomClosed = errors.New("room closed")
	// ErrNotMember is returned when a user acts on a room they are not present in.
	ErrNotMember = errors.New("user is not a member of the room")
	// ErrNotOwner is returned when a non-owner attempts an owner-only action.
	ErrNotOwner = errors.New("user is not the room owner")
	// ErrUnknownConnection is returned for connection ids the registry does not know.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrIdentityConflict is returned when a connection is already bound to another user.
	ErrIdentityConflict = errors.New("connection bound to a different user")
	// ErrNoIdentity is returned when a connection acts before any identity is bound.
	ErrNoIdentity = errors.New("connection has no bound identity")
	// ErrJoinThrottled is returned when a repeated join falls inside the debounce window.
	ErrJoinThrottled = errors.New("join throttled")
	// ErrMalformedRequest marks inbound payloads missing required fields.
	ErrMalformedRequest = errors.New("malformed request")
)
