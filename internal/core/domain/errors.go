package domain

import "errors"

var (
	ErrRoomRequired       = errors.New("room id is required")
	ErrAlreadyInRoom      = errors.New("connection already joined another room")
	ErrNotInRoom          = errors.New("connection is not in this room")
	ErrConnectionClosed   = errors.New("connection already left")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrParticipantMissing = errors.New("participant not found")
	ErrEmptyMessage       = errors.New("message text is required")
	ErrInvalidSignal      = errors.New("invalid signal data")
	ErrPeerLinkClosed     = errors.New("peer link closed")
	ErrPeerLinkNotFound   = errors.New("peer link not found")
	ErrMediaUnavailable   = errors.New("media source unavailable")
)
