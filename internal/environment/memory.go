// Package environment provides the live browser-like environment the identity
// switcher operates on: a cookie jar, page-local storage and page fetching.
package environment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaypost/internal/identity"
)

var ErrInvalidCookie = errors.New("invalid cookie")

// Fetcher loads a page with the live environment's session attached.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (int, []byte, error)
}

// Memory is an in-process environment: a cookie jar plus local storage.
type Memory struct {
	Jar     *MemoryJar
	Storage *MemoryStorage
}

func NewMemory() *Memory {
	return &Memory{Jar: NewMemoryJar(), Storage: NewMemoryStorage()}
}

// MemoryJar keeps cookies keyed by domain, path and name the way a browser
// does. Unlike net/http/cookiejar it can enumerate and reproduce every
// attribute it was given.
type MemoryJar struct {
	mu      sync.Mutex
	cookies map[string]identity.AuthToken
	now     func() time.Time
}

func NewMemoryJar() *MemoryJar {
	return &MemoryJar{cookies: map[string]identity.AuthToken{}, now: time.Now}
}

// GetAll returns unexpired cookies sent to domain or set on one of its
// subdomains, or every cookie when domain is empty, ordered by domain, path
// and name.
func (j *MemoryJar) GetAll(_ context.Context, domain string) ([]identity.AuthToken, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	out := make([]identity.AuthToken, 0, len(j.cookies))
	for key, token := range j.cookies {
		if token.Expiry != nil && !token.Expiry.After(now) {
			delete(j.cookies, key)
			continue
		}
		if domain != "" && !domainMatch(domain, token.Domain) && !domainMatch(token.Domain, domain) {
			continue
		}
		out = append(out, token)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Domain != out[b].Domain {
			return out[a].Domain < out[b].Domain
		}
		if out[a].Path != out[b].Path {
			return out[a].Path < out[b].Path
		}
		return out[a].Name < out[b].Name
	})
	return out, nil
}

func (j *MemoryJar) Set(_ context.Context, token identity.AuthToken) error {
	if strings.TrimSpace(token.Name) == "" || strings.TrimSpace(token.Domain) == "" {
		return fmt.Errorf("%w: name and domain are required", ErrInvalidCookie)
	}
	if token.Path == "" {
		token.Path = "/"
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies[jarKey(token.Domain, token.Path, token.Name)] = token
	return nil
}

// Remove deletes the cookie called name that would be sent to rawURL's host
// with exactly rawURL's path.
func (j *MemoryJar) Remove(_ context.Context, rawURL, name string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: bad url %q", ErrInvalidCookie, rawURL)
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for key, token := range j.cookies {
		if token.Name == name && token.Path == path && domainMatch(parsed.Hostname(), token.Domain) {
			delete(j.cookies, key)
		}
	}
	return nil
}

// Len reports the number of stored cookies, expired ones included.
func (j *MemoryJar) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.cookies)
}

type MemoryStorage struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: map[string]string{}}
}

func (s *MemoryStorage) All(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStorage) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return nil
}

func (s *MemoryStorage) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]string{}
	return nil
}

func jarKey(domain, path, name string) string {
	return strings.ToLower(domain) + "|" + path + "|" + name
}

// domainMatch reports whether a cookie set for cookieDomain is sent to host.
// A leading dot on cookieDomain is ignored.
func domainMatch(host, cookieDomain string) bool {
	host = strings.ToLower(strings.TrimPrefix(host, "."))
	cookieDomain = strings.ToLower(strings.TrimPrefix(cookieDomain, "."))
	if host == "" || cookieDomain == "" {
		return false
	}
	return host == cookieDomain || strings.HasSuffix(host, "."+cookieDomain)
}

// pathMatch follows RFC 6265 section 5.1.4.
func pathMatch(requestPath, cookiePath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if requestPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}
