package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrUnsupportedModel   = errors.New("unsupported model")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrMissingArtifact    = errors.New("completion payload had no usable artifact")
	ErrProviderFailure    = errors.New("provider failure")
)
