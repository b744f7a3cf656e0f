package identity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrIdentityMismatch     = errors.New("identity mismatch after switch")
	ErrAuthWriteFailed      = errors.New("auth token write failed")
	ErrProfileUnavailable   = errors.New("no authenticated profile available")
	ErrActivationInProgress = errors.New("activation already in progress")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidState         = errors.New("invalid account state")
)

// ItemResult is the outcome of one best-effort write or removal.
type ItemResult struct {
	Name string
	Err  error
}

func failedCount(results []ItemResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// SwitchError reports a rolled-back activation.
type SwitchError struct {
	Kind           error
	TargetID       string
	ExpectedUserID string
	ObservedUserID string
	TokenResults   []ItemResult
	RollbackErr    error
}

func (e *SwitchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "activate %s: %v", e.TargetID, e.Kind)
	if errors.Is(e.Kind, ErrIdentityMismatch) {
		observed := e.ObservedUserID
		if observed == "" {
			observed = "none"
		}
		fmt.Fprintf(&b, " (expected user %q, observed %q)", e.ExpectedUserID, observed)
	}
	if failed := failedCount(e.TokenResults); failed > 0 {
		fmt.Fprintf(&b, " (%d of %d token writes failed)", failed, len(e.TokenResults))
	}
	if e.RollbackErr != nil {
		fmt.Fprintf(&b, "; rollback: %v", e.RollbackErr)
	}
	return b.String()
}

func (e *SwitchError) Is(target error) bool {
	return target == e.Kind
}

func (e *SwitchError) Unwrap() error {
	return e.RollbackErr
}
