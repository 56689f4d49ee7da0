package engine

import "errors"

var (
	ErrNotFound         = errors.New("job not found")
	ErrExists           = errors.New("job id is live")
	ErrIDExhausted      = errors.New("no free job id found")
	ErrUnsupportedField = errors.New("unsupported field")
)
