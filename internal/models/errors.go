package models

import "errors"

// Error taxonomy shared by every component. Components wrap these with
// fmt.Errorf("%w: ...") and the HTTP layer maps them with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrSelfReference = errors.New("cannot reference yourself")
	ErrUnknownAgent  = errors.New("agent not found")
	ErrUnknownGroup  = errors.New("group not found")
	ErrUnknownTask   = errors.New("task not found")
	ErrConflict      = errors.New("conflict")
	ErrInvalidState  = errors.New("invalid state")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotMember     = errors.New("not a group member")
)
