package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaypost/internal/events"
)

// CookieJar is the live environment's cookie store.
type CookieJar interface {
	GetAll(ctx context.Context, domain string) ([]AuthToken, error)
	Set(ctx context.Context, token AuthToken) error
	Remove(ctx context.Context, url, name string) error
}

// LocalState is the live environment's page-local key/value storage.
type LocalState interface {
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context) error
}

// ProfileProber derives the logged-in user from the live environment. It
// returns a nil profile and no error when nobody is logged in.
type ProfileProber interface {
	CurrentProfile(ctx context.Context) (*Profile, error)
}

const defaultMaxTokenFailureRatio = 0.5

type SwitcherOptions struct {
	// CookieDomain filters which live cookies belong to the forum.
	CookieDomain string
	// MaxTokenFailureRatio is the share of failed token writes at which an
	// activation is abandoned without verifying.
	MaxTokenFailureRatio float64
	// RefreshActiveOnSwitch stores the live tokens back into the active
	// snapshot before switching away from it.
	RefreshActiveOnSwitch bool
	Events                events.Publisher
	Logger                *zap.Logger
	Clock                 func() time.Time
}

type Switcher struct {
	store         *Store
	jar           CookieJar
	local         LocalState
	prober        ProfileProber
	domain        string
	maxRatio      float64
	refreshActive bool
	events        events.Publisher
	logger        *zap.Logger
	now           func() time.Time

	mu         sync.Mutex
	activating string
}

type liveImage struct {
	tokens []AuthToken
	local  map[string]string
}

func NewSwitcher(store *Store, jar CookieJar, local LocalState, prober ProfileProber, opts SwitcherOptions) (*Switcher, error) {
	if store == nil || jar == nil || local == nil || prober == nil {
		return nil, ErrInvalidInput
	}
	ratio := opts.MaxTokenFailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultMaxTokenFailureRatio
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Switcher{
		store:         store,
		jar:           jar,
		local:         local,
		prober:        prober,
		domain:        opts.CookieDomain,
		maxRatio:      ratio,
		refreshActive: opts.RefreshActiveOnSwitch,
		events:        opts.Events,
		logger:        logger.Named("switcher"),
		now:           now,
	}, nil
}

// Activate replaces the live auth state with the stored snapshot id. On any
// verification failure the previous live state is restored and a
// *SwitchError is returned.
func (s *Switcher) Activate(ctx context.Context, id string) error {
	if err := s.begin(id); err != nil {
		return err
	}
	defer s.end()
	err := s.activate(ctx, id, true)
	if err != nil {
		s.publish(events.Event{Type: events.TypeIdentityActivationFailed, Subject: id, Reason: err.Error()})
		return err
	}
	s.publish(events.Event{Type: events.TypeIdentityActivated, Subject: id})
	return nil
}

func (s *Switcher) activate(ctx context.Context, id string, allowFallback bool) error {
	state, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	target, ok := state.Accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
	}
	previousID := state.ActiveID

	image, err := s.captureLive(ctx)
	if err != nil {
		return fmt.Errorf("capture live state: %w", err)
	}
	if s.refreshActive && previousID != "" && previousID != id && len(image.tokens) > 0 {
		s.refreshSnapshot(ctx, state.Accounts[previousID], image)
	}

	s.clearLive(ctx)
	tokenResults := s.writeTokens(ctx, target.AuthTokens)
	s.writeLocal(ctx, target.LocalState)

	if s.catastrophic(tokenResults) {
		switchErr := &SwitchError{Kind: ErrAuthWriteFailed, TargetID: id, TokenResults: tokenResults}
		switchErr.RollbackErr = s.rollback(ctx, image, previousID, id, allowFallback)
		s.logger.Warn("activation aborted: token writes failed",
			zap.String("identity", id), zap.Int("failed", failedCount(tokenResults)), zap.Int("total", len(tokenResults)))
		return switchErr
	}

	expected := target.externalUserID()
	profile, probeErr := s.prober.CurrentProfile(ctx)
	observed := ""
	if profile != nil {
		observed = profile.ExternalUserID
	}
	if probeErr != nil || profile == nil || expected == "" || observed != expected {
		switchErr := &SwitchError{
			Kind:           ErrIdentityMismatch,
			TargetID:       id,
			ExpectedUserID: expected,
			ObservedUserID: observed,
			TokenResults:   tokenResults,
		}
		switchErr.RollbackErr = s.rollback(ctx, image, previousID, id, allowFallback)
		fields := []zap.Field{zap.String("identity", id), zap.String("expected", expected), zap.String("observed", observed)}
		if probeErr != nil {
			fields = append(fields, zap.Error(probeErr))
		}
		s.logger.Warn("activation rolled back: identity verification failed", fields...)
		return switchErr
	}

	if err := s.store.SetActive(ctx, id); err != nil {
		return err
	}
	s.logger.Info("identity activated", zap.String("identity", id), zap.String("previous", previousID))
	return nil
}

// rollback restores image. When replaying it fails, the previously active
// snapshot is activated from the store instead.
func (s *Switcher) rollback(ctx context.Context, image liveImage, previousID, targetID string, allowFallback bool) error {
	s.clearLive(ctx)
	results := s.writeTokens(ctx, image.tokens)
	s.writeLocal(ctx, image.local)
	failed := failedCount(results)
	if failed == 0 {
		return nil
	}
	replayErr := fmt.Errorf("replay of %d live tokens had %d failures", len(results), failed)
	if !allowFallback || previousID == "" || previousID == targetID {
		return replayErr
	}
	s.logger.Warn("rollback replay failed, re-activating previous identity", zap.String("previous", previousID))
	if err := s.activate(ctx, previousID, false); err != nil {
		return errors.Join(replayErr, fmt.Errorf("fallback activation of %s: %w", previousID, err))
	}
	return nil
}

func (s *Switcher) catastrophic(results []ItemResult) bool {
	if len(results) == 0 {
		return false
	}
	failed := failedCount(results)
	if failed == len(results) {
		return true
	}
	return float64(failed)/float64(len(results)) >= s.maxRatio
}

// CaptureCurrentAsSnapshot reads the live tokens, local state and profile.
func (s *Switcher) CaptureCurrentAsSnapshot(ctx context.Context) (Snapshot, error) {
	image, err := s.captureLive(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	profile, err := s.prober.CurrentProfile(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}
	if profile == nil || profile.ExternalUserID == "" {
		return Snapshot{}, ErrProfileUnavailable
	}
	label := profile.DisplayName
	if label == "" {
		label = profile.Username
	}
	p := *profile
	return Snapshot{
		ID:           DeriveID(p),
		DisplayLabel: label,
		AuthTokens:   image.tokens,
		LocalState:   image.local,
		CapturedAt:   s.now().UTC(),
		Status:       StatusSynced,
		Profile:      &p,
	}, nil
}

// ClearLiveState removes every forum cookie and the local state. Failures are
// reported per item and never abort the sweep.
func (s *Switcher) ClearLiveState(ctx context.Context) []ItemResult {
	return s.clearLive(ctx)
}

// BeginIdentityCreation records a pending placeholder and logs the live
// environment out so a new account can sign in.
func (s *Switcher) BeginIdentityCreation(ctx context.Context) (Snapshot, error) {
	if err := s.begin("pending"); err != nil {
		return Snapshot{}, err
	}
	defer s.end()
	state, err := s.store.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	placeholder, ok := state.Accounts[state.PendingID]
	if !ok || placeholder.Status != StatusPending {
		placeholder = Snapshot{
			ID:           "pending-" + uuid.NewString(),
			DisplayLabel: "New identity",
			CapturedAt:   s.now().UTC(),
			Status:       StatusPending,
		}
		if err := s.store.Save(ctx, placeholder); err != nil {
			return Snapshot{}, err
		}
		if err := s.store.SetPending(ctx, placeholder.ID); err != nil {
			return Snapshot{}, err
		}
	}
	if err := s.store.SetActive(ctx, ""); err != nil {
		return Snapshot{}, err
	}
	s.clearLive(ctx)
	return placeholder, nil
}

// BeginResync flags id for re-capture and logs the live environment out.
func (s *Switcher) BeginResync(ctx context.Context, id string) error {
	if err := s.begin(id); err != nil {
		return err
	}
	defer s.end()
	if err := s.store.MarkResyncing(ctx, id); err != nil {
		return err
	}
	if err := s.store.SetActive(ctx, ""); err != nil {
		return err
	}
	s.clearLive(ctx)
	return nil
}

// CompleteLogin captures whoever is logged in now and stores it: into the
// resyncing snapshot if there is one, replacing the pending placeholder
// otherwise. The captured identity becomes active.
func (s *Switcher) CompleteLogin(ctx context.Context) (Snapshot, error) {
	if err := s.begin("capture"); err != nil {
		return Snapshot{}, err
	}
	defer s.end()
	captured, err := s.CaptureCurrentAsSnapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	state, err := s.store.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	var resyncing *Snapshot
	for _, snapshot := range state.Accounts {
		if snapshot.IsResyncing {
			snapshot := snapshot
			resyncing = &snapshot
			break
		}
	}
	switch {
	case resyncing != nil:
		if expected := resyncing.externalUserID(); expected != "" && expected != captured.externalUserID() {
			return Snapshot{}, &SwitchError{
				Kind:           ErrIdentityMismatch,
				TargetID:       resyncing.ID,
				ExpectedUserID: expected,
				ObservedUserID: captured.externalUserID(),
			}
		}
		captured.ID = resyncing.ID
		if resyncing.DisplayLabel != "" {
			captured.DisplayLabel = resyncing.DisplayLabel
		}
	default:
		for _, snapshot := range state.Accounts {
			if snapshot.externalUserID() == captured.externalUserID() {
				captured.ID = snapshot.ID
				if snapshot.DisplayLabel != "" {
					captured.DisplayLabel = snapshot.DisplayLabel
				}
				break
			}
		}
		if pending, ok := state.Accounts[state.PendingID]; ok && pending.ID != captured.ID {
			if err := s.store.Delete(ctx, pending.ID); err != nil && !errors.Is(err, ErrIdentityNotFound) {
				return Snapshot{}, err
			}
		}
	}
	captured.IsResyncing = false
	if err := s.store.Save(ctx, captured); err != nil {
		return Snapshot{}, err
	}
	if err := s.store.SetActive(ctx, captured.ID); err != nil {
		return Snapshot{}, err
	}
	if state.PendingID == captured.ID {
		if err := s.store.SetPending(ctx, ""); err != nil {
			return Snapshot{}, err
		}
	}
	s.publish(events.Event{Type: events.TypeIdentityCaptured, Subject: captured.ID, State: string(captured.Status)})
	s.logger.Info("identity captured", zap.String("identity", captured.ID), zap.String("user", captured.externalUserID()))
	return captured, nil
}

// Activating reports the id of an activation in progress, if any.
func (s *Switcher) Activating() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activating
}

func (s *Switcher) begin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activating != "" {
		return fmt.Errorf("%w: %s", ErrActivationInProgress, s.activating)
	}
	s.activating = id
	return nil
}

func (s *Switcher) end() {
	s.mu.Lock()
	s.activating = ""
	s.mu.Unlock()
}

func (s *Switcher) captureLive(ctx context.Context) (liveImage, error) {
	tokens, err := s.jar.GetAll(ctx, s.domain)
	if err != nil {
		return liveImage{}, err
	}
	local, err := s.local.All(ctx)
	if err != nil {
		return liveImage{}, err
	}
	if local == nil {
		local = map[string]string{}
	}
	return liveImage{tokens: tokens, local: local}, nil
}

func (s *Switcher) clearLive(ctx context.Context) []ItemResult {
	var results []ItemResult
	tokens, err := s.jar.GetAll(ctx, s.domain)
	if err != nil {
		results = append(results, ItemResult{Name: "cookies", Err: err})
	}
	for _, token := range tokens {
		err := s.jar.Remove(ctx, token.URL(), token.Name)
		if err != nil {
			s.logger.Debug("cookie removal failed", zap.String("cookie", token.Name), zap.Error(err))
		}
		results = append(results, ItemResult{Name: token.Name, Err: err})
	}
	if err := s.local.Clear(ctx); err != nil {
		s.logger.Debug("local state clear failed", zap.Error(err))
		results = append(results, ItemResult{Name: "localState", Err: err})
	}
	return results
}

func (s *Switcher) writeTokens(ctx context.Context, tokens []AuthToken) []ItemResult {
	results := make([]ItemResult, 0, len(tokens))
	for _, token := range tokens {
		err := s.jar.Set(ctx, token)
		if err != nil {
			s.logger.Debug("cookie write failed", zap.String("cookie", token.Name), zap.Error(err))
		}
		results = append(results, ItemResult{Name: token.Name, Err: err})
	}
	return results
}

func (s *Switcher) writeLocal(ctx context.Context, local map[string]string) []ItemResult {
	results := make([]ItemResult, 0, len(local))
	for key, value := range local {
		err := s.local.Set(ctx, key, value)
		results = append(results, ItemResult{Name: key, Err: err})
	}
	return results
}

func (s *Switcher) refreshSnapshot(ctx context.Context, active Snapshot, image liveImage) {
	active.AuthTokens = image.tokens
	active.LocalState = image.local
	active.CapturedAt = s.now().UTC()
	if err := s.store.Save(ctx, active); err != nil {
		s.logger.Warn("refresh of active snapshot failed", zap.String("identity", active.ID), zap.Error(err))
	}
}

func (s *Switcher) publish(event events.Event) {
	if s.events != nil {
		s.events.Publish(event)
	}
}
