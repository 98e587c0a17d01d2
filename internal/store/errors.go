package store

import "errors"

var (
	ErrTurnNotFound         = errors.New("turn not found")
	ErrCubicleNotFound      = errors.New("cubicle not found")
	ErrPhlebotomistNotFound = errors.New("phlebotomist not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInvalidState         = errors.New("invalid turn state")
	ErrTerminalState        = errors.New("turn is terminal")
	ErrAlreadyHeld          = errors.New("turn already held")
	ErrHolderMismatch       = errors.New("turn held by another phlebotomist")
	ErrCubicleOccupied      = errors.New("cubicle occupied")
	ErrCubicleInactive      = errors.New("cubicle inactive")
	ErrCubicleTypeMismatch  = errors.New("cubicle type incompatible with attention class")
	ErrCubicleClaimed       = errors.New("cubicle claimed by another phlebotomist")
	ErrPhlebotomistBusy     = errors.New("phlebotomist already attending a turn")
	ErrCallTooSoon          = errors.New("call retry before minimum interval")
	ErrNoTurn               = errors.New("no turn available")
	ErrReasonRequired       = errors.New("reason must be at least 5 characters")
	ErrInvalidClass         = errors.New("unknown attention class")
)
