package forum

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaypost/internal/environment"
	"github.com/agentworkforce/relaypost/internal/identity"
)

// Prober reads the logged-in profile from a forum page fetched with the live
// environment's session.
type Prober struct {
	fetcher environment.Fetcher
	pageURL string
}

func NewProber(fetcher environment.Fetcher, pageURL string) *Prober {
	return &Prober{fetcher: fetcher, pageURL: strings.TrimSpace(pageURL)}
}

func (p *Prober) CurrentProfile(ctx context.Context) (*identity.Profile, error) {
	status, body, err := p.fetcher.Fetch(ctx, p.pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch profile page: %w", err)
	}
	if status < 200 || status > 299 {
		return nil, &HTTPError{StatusCode: status}
	}
	page, err := ParsePage(body)
	if err != nil {
		return nil, fmt.Errorf("parse profile page: %w", err)
	}
	return page.Profile, nil
}
