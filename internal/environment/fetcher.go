package environment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaypost/internal/identity"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxPageBytes = 4 << 20
	defaultUserAgent    = "relaypost/1.0"
)

type HTTPFetcherOptions struct {
	HTTPClient   *http.Client
	Timeout      time.Duration
	UserAgent    string
	MaxPageBytes int64
	Logger       *zap.Logger
}

// HTTPFetcher fetches pages with the cookies of a live jar attached and
// stores cookies the response sets back into that jar.
type HTTPFetcher struct {
	client    *http.Client
	jar       identity.CookieJar
	userAgent string
	maxBytes  int64
	logger    *zap.Logger
}

func NewHTTPFetcher(jar identity.CookieJar, opts HTTPFetcherOptions) *HTTPFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	maxBytes := opts.MaxPageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxPageBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPFetcher{
		client:    client,
		jar:       jar,
		userAgent: userAgent,
		maxBytes:  maxBytes,
		logger:    logger.Named("fetcher"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (int, []byte, error) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		return 0, nil, fmt.Errorf("fetch %q: invalid url", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	tokens, err := f.jar.GetAll(ctx, target.Hostname())
	if err != nil {
		return 0, nil, fmt.Errorf("read live cookies: %w", err)
	}
	for _, token := range tokens {
		if !domainMatch(target.Hostname(), token.Domain) || !pathMatch(requestPath(target), token.Path) {
			continue
		}
		if token.Secure && target.Scheme != "https" {
			continue
		}
		req.AddCookie(&http.Cookie{Name: token.Name, Value: token.Value})
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	f.storeResponseCookies(ctx, target, resp.Cookies())
	return resp.StatusCode, body, nil
}

func (f *HTTPFetcher) storeResponseCookies(ctx context.Context, target *url.URL, cookies []*http.Cookie) {
	for _, c := range cookies {
		token := tokenFromHTTPCookie(target, c)
		var err error
		if c.MaxAge < 0 || (token.Expiry != nil && token.Expiry.Before(time.Now())) {
			err = f.jar.Remove(ctx, token.URL(), token.Name)
		} else {
			err = f.jar.Set(ctx, token)
		}
		if err != nil {
			f.logger.Debug("response cookie not stored", zap.String("cookie", c.Name), zap.Error(err))
		}
	}
}

func tokenFromHTTPCookie(target *url.URL, c *http.Cookie) identity.AuthToken {
	token := identity.AuthToken{
		Name:     c.Name,
		Domain:   c.Domain,
		Path:     c.Path,
		Value:    c.Value,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
		SameSite: identity.SameSiteUnspecified,
	}
	if token.Domain == "" {
		token.Domain = target.Hostname()
	} else if !strings.HasPrefix(token.Domain, ".") {
		token.Domain = "." + token.Domain
	}
	if token.Path == "" {
		token.Path = "/"
	}
	switch c.SameSite {
	case http.SameSiteLaxMode:
		token.SameSite = identity.SameSiteLax
	case http.SameSiteStrictMode:
		token.SameSite = identity.SameSiteStrict
	case http.SameSiteNoneMode:
		token.SameSite = identity.SameSiteNone
	}
	switch {
	case c.MaxAge > 0:
		expiry := time.Now().Add(time.Duration(c.MaxAge) * time.Second).UTC()
		token.Expiry = &expiry
	case !c.Expires.IsZero():
		expiry := c.Expires.UTC()
		token.Expiry = &expiry
	}
	return token
}

func requestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
