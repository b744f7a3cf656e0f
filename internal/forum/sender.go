// Package forum posts replies to forum threads with a stored identity's
// cookies and reads session details out of forum pages.
package forum

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaypost/internal/identity"
)

const (
	DefaultCSRFCookieName     = "xf_csrf"
	DefaultLastDateCookieName = "xf_last_date"

	defaultAntiFloodWait    = 30 * time.Second
	defaultMaxResponseBytes = 4 << 20
)

var waitPattern = regexp.MustCompile(`(\d+)\s*(seconds?|secs?|s\b|minutes?|mins?)?`)

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SnapshotSource is the read side of the identity store.
type SnapshotSource interface {
	Snapshot(ctx context.Context, id string) (identity.Snapshot, error)
}

type SenderOptions struct {
	BaseURL            string
	HTTPClient         Doer
	CSRFCookieName     string
	LastDateCookieName string
	UserAgent          string
	MaxResponseBytes   int64
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Sender posts replies with raw requests built from a stored snapshot. It
// never touches the live environment.
type Sender struct {
	snapshots      SnapshotSource
	baseURL        *url.URL
	client         Doer
	csrfCookie     string
	lastDateCookie string
	userAgent      string
	maxBytes       int64
	now            func() time.Time
	logger         *zap.Logger
}

func NewSender(snapshots SnapshotSource, opts SenderOptions) (*Sender, error) {
	if snapshots == nil {
		return nil, fmt.Errorf("forum sender: snapshot source is required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("forum sender: invalid base url %q", opts.BaseURL)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	csrfCookie := strings.TrimSpace(opts.CSRFCookieName)
	if csrfCookie == "" {
		csrfCookie = DefaultCSRFCookieName
	}
	lastDateCookie := strings.TrimSpace(opts.LastDateCookieName)
	if lastDateCookie == "" {
		lastDateCookie = DefaultLastDateCookieName
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		snapshots:      snapshots,
		baseURL:        base,
		client:         client,
		csrfCookie:     csrfCookie,
		lastDateCookie: lastDateCookie,
		userAgent:      strings.TrimSpace(opts.UserAgent),
		maxBytes:       maxBytes,
		now:            now,
		logger:         logger.Named("sender"),
	}, nil
}

// Send posts bodyHTML as a reply to threadTarget on behalf of identityID.
func (s *Sender) Send(ctx context.Context, identityID, threadTarget, bodyHTML string) error {
	snapshot, err := s.snapshots.Snapshot(ctx, identityID)
	if err != nil {
		return err
	}
	csrf, ok := snapshot.Token(s.csrfCookie)
	if !ok || strings.TrimSpace(csrf.Value) == "" {
		return fmt.Errorf("%w: identity %s lacks %s", ErrMissingCSRFCredential, identityID, s.csrfCookie)
	}
	thread, err := s.resolve(threadTarget)
	if err != nil {
		return err
	}
	cookieHeader := buildCookieHeader(snapshot.AuthTokens)

	page, err := s.fetchThread(ctx, thread, cookieHeader)
	if err != nil {
		return err
	}
	token := s.submissionToken(page, csrf.Value)
	lastDate := page.LastDate
	if lastDate == "" {
		if stored, ok := snapshot.Token(s.lastDateCookie); ok && stored.Value != "" {
			lastDate = stored.Value
		} else {
			lastDate = strconv.FormatInt(s.now().Unix(), 10)
		}
	}

	form := url.Values{}
	form.Set("message_html", "<p>"+bodyHTML+"</p>")
	form.Set("_xfToken", token)
	form.Set("_xfRequestToken", token)
	form.Set("_xfResponseType", "json")
	form.Set("_xfWithData", "1")
	form.Set("last_date", lastDate)

	postURL := strings.TrimRight(thread, "/") + "/add-reply"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	s.setHeaders(req, cookieHeader)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Origin", s.origin())
	req.Header.Set("Referer", thread)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes))
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	err = classifyReply(resp, body)
	if err != nil {
		s.logger.Debug("reply rejected", zap.String("identity", identityID), zap.String("thread", thread), zap.Error(err))
		return err
	}
	s.logger.Debug("reply posted", zap.String("identity", identityID), zap.String("thread", thread))
	return nil
}

func (s *Sender) fetchThread(ctx context.Context, thread, cookieHeader string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, thread, nil)
	if err != nil {
		return Page{}, err
	}
	s.setHeaders(req, cookieHeader)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := s.client.Do(req)
	if err != nil {
		return Page{}, err
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes))
	_ = resp.Body.Close()
	if readErr != nil {
		return Page{}, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Page{}, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: snippet(body)}
	}
	return ParsePage(body)
}

// submissionToken prefers the form token, then the inline config hash, then
// the meta tag, then the csrf cookie. Hashes are prefixed with the current
// unix time the way the forum's own scripts do.
func (s *Sender) submissionToken(page Page, csrfCookie string) string {
	if page.Token != "" {
		return page.Token
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	if page.InlineCSRF != "" {
		return ts + "," + page.InlineCSRF
	}
	if page.MetaCSRF != "" {
		return page.MetaCSRF
	}
	return ts + "," + csrfCookie
}

func (s *Sender) setHeaders(req *http.Request, cookieHeader string) {
	if cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
}

func (s *Sender) resolve(threadTarget string) (string, error) {
	threadTarget = strings.TrimSpace(threadTarget)
	if threadTarget == "" {
		return "", fmt.Errorf("forum sender: thread target is required")
	}
	ref, err := url.Parse(threadTarget)
	if err != nil {
		return "", fmt.Errorf("forum sender: invalid thread target %q: %w", threadTarget, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base := *s.baseURL
	base.Path = strings.TrimRight(base.Path, "/") + "/"
	return base.ResolveReference(&url.URL{Path: strings.TrimLeft(ref.Path, "/"), RawQuery: ref.RawQuery}).String(), nil
}

func (s *Sender) origin() string {
	return s.baseURL.Scheme + "://" + s.baseURL.Host
}

func buildCookieHeader(tokens []identity.AuthToken) string {
	parts := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if strings.TrimSpace(token.Name) == "" {
			continue
		}
		parts = append(parts, token.Name+"="+token.Value)
	}
	return strings.Join(parts, "; ")
}

type replyResponse struct {
	Status string          `json:"status"`
	Errors json.RawMessage `json:"errors"`
}

// classifyReply maps the add-reply response to nil or a typed error. A JSON
// error body is classified whatever the HTTP status, since the forum answers
// rejected replies with 400.
func classifyReply(resp *http.Response, body []byte) error {
	var reply replyResponse
	parsed := json.Unmarshal(body, &reply) == nil && reply.Status != ""
	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	switch {
	case parsed && reply.Status == "ok" && ok:
		return nil
	case parsed && reply.Status == "error":
		return classifyMessages(errorMessages(reply.Errors))
	case !ok:
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: snippet(body)}
	default:
		return &SendError{Kind: KindGeneric, Messages: []string{"unexpected reply: " + snippet(body)}}
	}
}

func classifyMessages(messages []string) error {
	lower := strings.ToLower(strings.Join(messages, " "))
	switch {
	case strings.Contains(lower, "cookie"):
		return &SendError{Kind: KindAuth, Messages: messages}
	case strings.Contains(lower, "wait"):
		return &AntiFloodError{RetryAfter: parseWait(lower), Message: strings.Join(messages, " ")}
	case strings.Contains(lower, "security") || strings.Contains(lower, "csrf"):
		return &SendError{Kind: KindSecurity, Messages: messages}
	default:
		return &SendError{Kind: KindGeneric, Messages: messages}
	}
}

// parseWait reads "45 seconds" or "2 minutes" from a flood-control message.
func parseWait(message string) time.Duration {
	for _, m := range waitPattern.FindAllStringSubmatch(message, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		if strings.HasPrefix(m[2], "min") {
			return time.Duration(n) * time.Minute
		}
		return time.Duration(n) * time.Second
	}
	return defaultAntiFloodWait
}

// errorMessages accepts the error list as an array, an object keyed by
// field, or a single string.
func errorMessages(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return list
	}
	var keyed map[string]string
	if json.Unmarshal(raw, &keyed) == nil {
		out := make([]string, 0, len(keyed))
		for _, msg := range keyed {
			out = append(out, msg)
		}
		sort.Strings(out)
		return out
	}
	var single string
	if json.Unmarshal(raw, &single) == nil && single != "" {
		return []string{single}
	}
	return []string{string(raw)}
}

const snippetLimit = 256

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) <= snippetLimit {
		return text
	}
	cut := snippetLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
