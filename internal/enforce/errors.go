package enforce

import "errors"

var ErrPermissionDenied = errors.New("permission denied")

// DeniedError is the single failure kind of CanRead and CanWrite. Its message
// never says which rule fired or whether the path exists.
type DeniedError struct {
	Path string
	rule string
}

func (e *DeniedError) Error() string {
	return "permission denied for " + e.Path
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

func denied(path, rule string) *DeniedError {
	return &DeniedError{Path: path, rule: rule}
}
