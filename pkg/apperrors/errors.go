package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInvalidIdentifier  = errors.New("invalid identifier")
	ErrNameTooLong        = errors.New("name too long")
	ErrNameCollision      = errors.New("physical name collision")
	ErrSystemRole         = errors.New("role is a system database role")
	ErrInvalidRole        = errors.New("invalid role")
	ErrLocked             = errors.New("data series is locked")
	ErrUnknownTaskType    = errors.New("unknown task type")
	ErrUnsupportedBackend = errors.New("unsupported storage backend")
	ErrInvalidValue       = errors.New("invalid value")
)
