package model

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInPast       = errors.New("expiration cannot be in the past")
)

// UpstreamError wraps a failed call to the upstream provider.
type UpstreamError struct {
	Op   string
	Code int
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("upstream %s: status %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// BuildError is a recorded pipeline failure. It is stored in the Info
// Document, so it must stay JSON friendly.
type BuildError struct {
	Message string    `json:"message"`
	Code    int       `json:"code,omitempty"`
	Kind    TaskKind  `json:"kind,omitempty"`
	At      time.Time `json:"at"`
}

func (e *BuildError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s build failed: %s", e.Kind, e.Message)
	}
	return "build failed: " + e.Message
}

// NewBuildError records err as a failure of a kind build at t.
func NewBuildError(kind TaskKind, err error, t time.Time) *BuildError {
	var be *BuildError
	if errors.As(err, &be) {
		return be
	}
	code := http.StatusInternalServerError
	var ue *UpstreamError
	if errors.As(err, &ue) {
		code = http.StatusBadGateway
	}
	return &BuildError{Message: err.Error(), Code: code, Kind: kind, At: t.UTC()}
}
