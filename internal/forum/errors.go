package forum

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMissingCSRFCredential = errors.New("snapshot has no csrf cookie")
	ErrSecurityRejected      = errors.New("forum rejected the security token")
	ErrAuthRejected          = errors.New("forum rejected the session cookies")
)

type Kind int

const (
	KindGeneric Kind = iota
	KindAuth
	KindSecurity
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindSecurity:
		return "security"
	default:
		return "generic"
	}
}

// SendError is a reply the forum refused with status "error".
type SendError struct {
	Kind     Kind
	Messages []string
}

func (e *SendError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("forum %s error", e.Kind)
	}
	return fmt.Sprintf("forum %s error: %s", e.Kind, strings.Join(e.Messages, "; "))
}

func (e *SendError) Is(target error) bool {
	switch e.Kind {
	case KindAuth:
		return target == ErrAuthRejected
	case KindSecurity:
		return target == ErrSecurityRejected
	}
	return false
}

// AntiFloodError asks the caller to wait before posting again.
type AntiFloodError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *AntiFloodError) Error() string {
	return fmt.Sprintf("forum flood control: retry after %s", e.RetryAfter)
}

type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("forum http error: status=%d %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("forum http error: status=%d %s body=%s", e.StatusCode, e.Status, e.Body)
}
