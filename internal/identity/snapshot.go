// Package identity stores forum identities as credential snapshots and swaps
// the live environment between them.
package identity

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
)

type SameSite string

const (
	SameSiteUnspecified SameSite = "unspecified"
	SameSiteNone        SameSite = "no_restriction"
	SameSiteLax         SameSite = "lax"
	SameSiteStrict      SameSite = "strict"
)

// AuthToken is one cookie as the environment's cookie jar reports it.
type AuthToken struct {
	Name     string     `json:"name"`
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Value    string     `json:"value"`
	Secure   bool       `json:"secure"`
	HTTPOnly bool       `json:"httpOnly"`
	SameSite SameSite   `json:"sameSite,omitempty"`
	Expiry   *time.Time `json:"expiry,omitempty"`
}

// URL is the address a cookie jar needs to address this token for removal.
func (t AuthToken) URL() string {
	scheme := "http"
	if t.Secure {
		scheme = "https"
	}
	host := strings.TrimPrefix(strings.TrimSpace(t.Domain), ".")
	path := t.Path
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

func (t AuthToken) key() string {
	return t.Domain + "|" + t.Path + "|" + t.Name
}

type Profile struct {
	ExternalUserID string `json:"userId"`
	Username       string `json:"username"`
	DisplayName    string `json:"displayName,omitempty"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
}

type Snapshot struct {
	ID           string            `json:"id"`
	DisplayLabel string            `json:"displayLabel"`
	AuthTokens   []AuthToken       `json:"authTokens"`
	LocalState   map[string]string `json:"localState"`
	CapturedAt   time.Time         `json:"capturedAt"`
	Status       Status            `json:"status"`
	IsResyncing  bool              `json:"isResyncing,omitempty"`
	Profile      *Profile          `json:"profile,omitempty"`
}

// Token returns the first stored token with the given name.
func (s Snapshot) Token(name string) (AuthToken, bool) {
	for _, token := range s.AuthTokens {
		if token.Name == name {
			return token, true
		}
	}
	return AuthToken{}, false
}

func (s Snapshot) externalUserID() string {
	if s.Profile == nil {
		return ""
	}
	return strings.TrimSpace(s.Profile.ExternalUserID)
}

// State is the accountStates blob.
type State struct {
	ActiveID  string              `json:"activeAccountId,omitempty"`
	PendingID string              `json:"pendingAccountId,omitempty"`
	Accounts  map[string]Snapshot `json:"accounts"`
}

// DeriveID is the stable id of a snapshot whose profile is known.
func DeriveID(profile Profile) string {
	return "user-" + strings.TrimSpace(profile.ExternalUserID)
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	out.AuthTokens = append([]AuthToken(nil), s.AuthTokens...)
	if s.LocalState != nil {
		out.LocalState = make(map[string]string, len(s.LocalState))
		for k, v := range s.LocalState {
			out.LocalState[k] = v
		}
	}
	if s.Profile != nil {
		profile := *s.Profile
		out.Profile = &profile
	}
	return out
}
