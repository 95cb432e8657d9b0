package backend

import "errors"

// Validation failure kinds. Callers match with errors.Is.
var (
	ErrNoCommand         = errors.New("no command configured")
	ErrDisallowedCommand = errors.New("command not allowed")
	ErrDangerousArgs     = errors.New("arguments contain shell metacharacters")
)
