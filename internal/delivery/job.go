// Package delivery persists reply jobs and drives them through the forum
// sender with retry and flood-control backoff.
package delivery

import "time"

type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) valid() bool {
	switch s {
	case StatePending, StateInFlight, StateCompleted, StateFailed:
		return true
	}
	return false
}

type Job struct {
	ID               string     `json:"id"`
	IdentityID       string     `json:"identityId"`
	ThreadTarget     string     `json:"threadTarget"`
	BodyHTML         string     `json:"bodyHtml"`
	EnqueuedAt       time.Time  `json:"enqueuedAt"`
	State            State      `json:"status"`
	FailureReason    string     `json:"failureReason,omitempty"`
	RetryCount       int        `json:"retryCount"`
	AntiFloodCount   int        `json:"antiFloodCount"`
	NotBeforeSeconds int        `json:"notBeforeSeconds,omitempty"`
	ClaimedAt        *time.Time `json:"claimedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// EarliestAttempt is enqueuedAt plus the notBefore delay.
func (j Job) EarliestAttempt() time.Time {
	return j.EnqueuedAt.Add(time.Duration(j.NotBeforeSeconds) * time.Second)
}

func (j Job) eligible(now time.Time) bool {
	return j.State == StatePending && !now.Before(j.EarliestAttempt())
}
