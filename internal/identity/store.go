package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaypost/internal/blobstore"
)

const StateKey = "accountStates"

type StoreOptions struct {
	Key    string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Store is the credential snapshot store. Every operation is a
// read-modify-write of one blob; operations on the same Store are serialized,
// but two Stores sharing a backend are last-write-wins.
type Store struct {
	mu     sync.Mutex
	blobs  blobstore.Store
	key    string
	now    func() time.Time
	logger *zap.Logger
	schema *jsonschema.Schema
}

func NewStore(blobs blobstore.Store, opts StoreOptions) (*Store, error) {
	if blobs == nil {
		return nil, ErrInvalidInput
	}
	schema, err := compileStateSchema()
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		key = StateKey
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		blobs:  blobs,
		key:    key,
		now:    now,
		logger: logger.Named("identity_store"),
		schema: schema,
	}, nil
}

func (s *Store) Load(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Store) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot, ok := state.Accounts[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
	}
	return snapshot, nil
}

// Save inserts or replaces a snapshot. A snapshot whose profile shares the
// external user id of another entry supersedes it and inherits its active
// pointer. A pending pointer at the superseded entry is cleared.
func (s *Store) Save(ctx context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if err := s.applySave(&state, snapshot); err != nil {
		return err
	}
	return s.storeLocked(ctx, state)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if _, ok := state.Accounts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
	}
	delete(state.Accounts, id)
	if state.ActiveID == id {
		state.ActiveID = ""
	}
	if state.PendingID == id {
		state.PendingID = ""
	}
	return s.storeLocked(ctx, state)
}

func (s *Store) MarkResyncing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if _, ok := state.Accounts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
	}
	for accountID, snapshot := range state.Accounts {
		snapshot.IsResyncing = accountID == id
		state.Accounts[accountID] = snapshot
	}
	return s.storeLocked(ctx, state)
}

func (s *Store) ClearResyncing(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	for accountID, snapshot := range state.Accounts {
		snapshot.IsResyncing = false
		state.Accounts[accountID] = snapshot
	}
	return s.storeLocked(ctx, state)
}

// SetActive records id as the active identity. An empty id clears the pointer.
func (s *Store) SetActive(ctx context.Context, id string) error {
	return s.setPointer(ctx, id, func(state *State) *string { return &state.ActiveID })
}

func (s *Store) SetPending(ctx context.Context, id string) error {
	return s.setPointer(ctx, id, func(state *State) *string { return &state.PendingID })
}

func (s *Store) setPointer(ctx context.Context, id string, field func(*State) *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if id != "" {
		if _, ok := state.Accounts[id]; !ok {
			return fmt.Errorf("%w: %s", ErrIdentityNotFound, id)
		}
	}
	*field(&state) = id
	return s.storeLocked(ctx, state)
}

// Export returns the account state blob in its persisted shape.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	state, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(state, "", "  ")
}

// Import replaces the whole account state. The blob is validated before any
// write, so a rejected import leaves the previous state untouched.
func (s *Store) Import(ctx context.Context, blob []byte) error {
	if err := validateStateBlob(s.schema, blob); err != nil {
		return err
	}
	var state State
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := validateState(state); err != nil {
		return err
	}
	normalizeState(&state)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storeLocked(ctx, state); err != nil {
		return err
	}
	s.logger.Info("account state imported", zap.Int("accounts", len(state.Accounts)))
	return nil
}

func (s *Store) applySave(state *State, snapshot Snapshot) error {
	snapshot.ID = strings.TrimSpace(snapshot.ID)
	if snapshot.ID == "" {
		return fmt.Errorf("%w: snapshot id is required", ErrInvalidInput)
	}
	snapshot = cloneSnapshot(snapshot)
	normalizeSnapshot(&snapshot)
	if snapshot.CapturedAt.IsZero() {
		snapshot.CapturedAt = s.now().UTC()
	}
	if snapshot.IsResyncing {
		for accountID, other := range state.Accounts {
			if accountID != snapshot.ID && other.IsResyncing {
				other.IsResyncing = false
				state.Accounts[accountID] = other
			}
		}
	}
	if externalID := snapshot.externalUserID(); externalID != "" {
		for accountID, other := range state.Accounts {
			if accountID == snapshot.ID || other.externalUserID() != externalID {
				continue
			}
			delete(state.Accounts, accountID)
			if state.ActiveID == accountID {
				state.ActiveID = snapshot.ID
			}
			if state.PendingID == accountID {
				state.PendingID = ""
			}
			s.logger.Info("superseded duplicate identity",
				zap.String("superseded", accountID),
				zap.String("by", snapshot.ID),
				zap.String("external_user_id", externalID))
		}
	}
	state.Accounts[snapshot.ID] = snapshot
	return nil
}

func (s *Store) loadLocked(ctx context.Context) (State, error) {
	blob, err := s.blobs.Get(ctx, s.key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return State{Accounts: map[string]Snapshot{}}, nil
	}
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(blob, &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	normalizeState(&state)
	return state, nil
}

func (s *Store) storeLocked(ctx context.Context, state State) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.blobs.Set(ctx, s.key, blob)
}

func validateState(state State) error {
	resyncing := 0
	seen := map[string]string{}
	for accountID, snapshot := range state.Accounts {
		if snapshot.ID != accountID {
			return fmt.Errorf("%w: account key %q holds snapshot %q", ErrInvalidState, accountID, snapshot.ID)
		}
		if snapshot.IsResyncing {
			resyncing++
		}
		if externalID := snapshot.externalUserID(); externalID != "" {
			if other, dup := seen[externalID]; dup {
				return fmt.Errorf("%w: accounts %q and %q share user %q", ErrInvalidState, other, accountID, externalID)
			}
			seen[externalID] = accountID
		}
	}
	if resyncing > 1 {
		return fmt.Errorf("%w: %d accounts marked resyncing", ErrInvalidState, resyncing)
	}
	if state.ActiveID != "" {
		if _, ok := state.Accounts[state.ActiveID]; !ok {
			return fmt.Errorf("%w: active account %q does not exist", ErrInvalidState, state.ActiveID)
		}
	}
	if state.PendingID != "" {
		if _, ok := state.Accounts[state.PendingID]; !ok {
			return fmt.Errorf("%w: pending account %q does not exist", ErrInvalidState, state.PendingID)
		}
	}
	return nil
}

func normalizeState(state *State) {
	if state.Accounts == nil {
		state.Accounts = map[string]Snapshot{}
	}
	for accountID, snapshot := range state.Accounts {
		normalizeSnapshot(&snapshot)
		state.Accounts[accountID] = snapshot
	}
}

func normalizeSnapshot(snapshot *Snapshot) {
	if snapshot.AuthTokens == nil {
		snapshot.AuthTokens = []AuthToken{}
	}
	if snapshot.LocalState == nil {
		snapshot.LocalState = map[string]string{}
	}
	if snapshot.Status == "" {
		snapshot.Status = StatusPending
	}
}
