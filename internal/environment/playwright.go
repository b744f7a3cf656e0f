package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaypost/internal/identity"
)

type PlaywrightOptions struct {
	// Origin is the forum origin; its localStorage is the live local state.
	Origin   string
	Headless bool
	// InstallBrowsers downloads the driver and Chromium when missing.
	InstallBrowsers bool
	Timeout         time.Duration
	Logger          *zap.Logger
}

// Playwright drives a real Chromium context. Its cookie jar, the
// localStorage of Origin and its request API are the live environment.
type Playwright struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	origin  string
	timeout time.Duration
	logger  *zap.Logger
}

func LaunchPlaywright(opts PlaywrightOptions) (*Playwright, error) {
	origin := strings.TrimRight(strings.TrimSpace(opts.Origin), "/")
	if _, err := url.ParseRequestURI(origin); err != nil || origin == "" {
		return nil, fmt.Errorf("playwright origin %q: invalid url", opts.Origin)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if opts.InstallBrowsers {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	browserContext, err := browser.NewContext()
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	page, err := browserContext.NewPage()
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("new page: %w", err)
	}
	if _, err := page.Goto(origin, playwright.PageGotoOptions{
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}); err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("open %s: %w", origin, err)
	}
	logger.Info("playwright environment ready", zap.String("origin", origin), zap.Bool("headless", opts.Headless))
	return &Playwright{
		pw:      pw,
		browser: browser,
		context: browserContext,
		page:    page,
		origin:  origin,
		timeout: timeout,
		logger:  logger.Named("playwright"),
	}, nil
}

func (p *Playwright) Close() error {
	if err := p.browser.Close(); err != nil {
		p.logger.Warn("close browser", zap.Error(err))
	}
	return p.pw.Stop()
}

// Storage is the localStorage of the forum origin.
func (p *Playwright) Storage() identity.LocalState {
	return playwrightStorage{page: p.page}
}

func (p *Playwright) GetAll(_ context.Context, domain string) ([]identity.AuthToken, error) {
	cookies, err := p.context.Cookies()
	if err != nil {
		return nil, err
	}
	out := make([]identity.AuthToken, 0, len(cookies))
	for _, c := range cookies {
		if domain != "" && !domainMatch(domain, c.Domain) && !domainMatch(c.Domain, domain) {
			continue
		}
		out = append(out, tokenFromPlaywright(c))
	}
	return out, nil
}

func (p *Playwright) Set(_ context.Context, token identity.AuthToken) error {
	if strings.TrimSpace(token.Name) == "" || strings.TrimSpace(token.Domain) == "" {
		return fmt.Errorf("%w: name and domain are required", ErrInvalidCookie)
	}
	return p.context.AddCookies([]playwright.OptionalCookie{playwrightCookie(token)})
}

// Remove clears the context's cookies and re-adds every other one.
func (p *Playwright) Remove(_ context.Context, rawURL, name string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: bad url %q", ErrInvalidCookie, rawURL)
	}
	path := requestPath(parsed)
	cookies, err := p.context.Cookies()
	if err != nil {
		return err
	}
	kept := make([]playwright.OptionalCookie, 0, len(cookies))
	removed := false
	for _, c := range cookies {
		if c.Name == name && c.Path == path && domainMatch(parsed.Hostname(), c.Domain) {
			removed = true
			continue
		}
		kept = append(kept, playwrightCookie(tokenFromPlaywright(c)))
	}
	if !removed {
		return nil
	}
	if err := p.context.ClearCookies(); err != nil {
		return err
	}
	if len(kept) == 0 {
		return nil
	}
	return p.context.AddCookies(kept)
}

// Fetch issues a GET through the browser context so its cookies apply.
func (p *Playwright) Fetch(_ context.Context, rawURL string) (int, []byte, error) {
	resp, err := p.context.Request().Get(rawURL, playwright.APIRequestContextGetOptions{
		Timeout: playwright.Float(float64(p.timeout.Milliseconds())),
	})
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Dispose() }()
	body, err := resp.Body()
	if err != nil {
		return resp.Status(), nil, err
	}
	return resp.Status(), body, nil
}

type playwrightStorage struct {
	page playwright.Page
}

func (s playwrightStorage) All(_ context.Context) (map[string]string, error) {
	raw, err := s.page.Evaluate(`() => JSON.stringify(Object.assign({}, window.localStorage))`)
	if err != nil {
		return nil, err
	}
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("localStorage dump: unexpected %T", raw)
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("localStorage dump: %w", err)
	}
	return out, nil
}

func (s playwrightStorage) Set(_ context.Context, key, value string) error {
	_, err := s.page.Evaluate(`([k, v]) => window.localStorage.setItem(k, v)`, []string{key, value})
	return err
}

func (s playwrightStorage) Clear(_ context.Context) error {
	_, err := s.page.Evaluate(`() => window.localStorage.clear()`)
	return err
}

func tokenFromPlaywright(c playwright.Cookie) identity.AuthToken {
	token := identity.AuthToken{
		Name:     c.Name,
		Domain:   c.Domain,
		Path:     c.Path,
		Value:    c.Value,
		Secure:   c.Secure,
		HTTPOnly: c.HttpOnly,
		SameSite: identity.SameSiteUnspecified,
	}
	if c.SameSite != nil {
		switch *c.SameSite {
		case *playwright.SameSiteAttributeLax:
			token.SameSite = identity.SameSiteLax
		case *playwright.SameSiteAttributeStrict:
			token.SameSite = identity.SameSiteStrict
		case *playwright.SameSiteAttributeNone:
			token.SameSite = identity.SameSiteNone
		}
	}
	if c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		expiry := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		token.Expiry = &expiry
	}
	return token
}

func playwrightCookie(token identity.AuthToken) playwright.OptionalCookie {
	path := token.Path
	if path == "" {
		path = "/"
	}
	c := playwright.OptionalCookie{
		Name:     token.Name,
		Value:    token.Value,
		Domain:   playwright.String(token.Domain),
		Path:     playwright.String(path),
		Secure:   playwright.Bool(token.Secure),
		HttpOnly: playwright.Bool(token.HTTPOnly),
	}
	switch token.SameSite {
	case identity.SameSiteLax:
		c.SameSite = playwright.SameSiteAttributeLax
	case identity.SameSiteStrict:
		c.SameSite = playwright.SameSiteAttributeStrict
	case identity.SameSiteNone:
		c.SameSite = playwright.SameSiteAttributeNone
	}
	if token.Expiry != nil {
		c.Expires = playwright.Float(float64(token.Expiry.UnixNano()) / 1e9)
	}
	return c
}
