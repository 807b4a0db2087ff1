package credential

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// StateStore persists credential envelopes, rotation transactions, and the
// rotation error audit log. The SQLite implementation lives in the database
// package; MemoryStateStore backs tests and ephemeral deployments.
type StateStore interface {
	// SaveCredential inserts a credential. Fails with a conflict when the
	// ID already exists.
	SaveCredential(ctx context.Context, cred *StoredCredential) error

	// GetCredential loads a credential by ID.
	GetCredential(ctx context.Context, id types.CredentialID) (*StoredCredential, error)

	// SwapCredential replaces a credential's state if the stored version
	// matches expectedVersion, incrementing the version. A mismatch fails
	// with ROTATION_VERSION_MISMATCH.
	SwapCredential(ctx context.Context, cred *StoredCredential, expectedVersion int64) error

	// TouchCredential records a successful retrieval.
	TouchCredential(ctx context.Context, id types.CredentialID, usedAt time.Time) error

	// DeleteCredential removes a credential by ID.
	DeleteCredential(ctx context.Context, id types.CredentialID) error

	// ListCredentials returns all credential metadata sorted by name.
	ListCredentials(ctx context.Context) ([]Metadata, error)

	// SaveRotation persists a rotation transaction in its current state.
	SaveRotation(ctx context.Context, tx *RotationTransaction) error

	// GetRotation loads a rotation transaction by ID.
	GetRotation(ctx context.Context, id string) (*RotationTransaction, error)

	// AppendRotationError records one entry in the rotation audit log.
	AppendRotationError(ctx context.Context, entry RotationErrorLog) error

	// ListRotationErrors returns the audit entries for a credential in
	// insertion order.
	ListRotationErrors(ctx context.Context, id types.CredentialID) ([]RotationErrorLog, error)
}

// MemoryStateStore is an in-process StateStore.
type MemoryStateStore struct {
	mu          sync.RWMutex
	credentials map[types.CredentialID]*StoredCredential
	rotations   map[string]*RotationTransaction
	errorLog    map[types.CredentialID][]RotationErrorLog
}

var _ StateStore = (*MemoryStateStore)(nil)

// NewMemoryStateStore returns an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		credentials: make(map[types.CredentialID]*StoredCredential),
		rotations:   make(map[string]*RotationTransaction),
		errorLog:    make(map[types.CredentialID][]RotationErrorLog),
	}
}

func (s *MemoryStateStore) SaveCredential(_ context.Context, cred *StoredCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.credentials[cred.Metadata.ID]; exists {
		return types.NewError(types.KindConflict, types.CREDENTIAL_INVALID,
			"credential already exists").With("id", cred.Metadata.ID.String())
	}
	cp := *cred
	s.credentials[cred.Metadata.ID] = &cp
	return nil
}

func (s *MemoryStateStore) GetCredential(_ context.Context, id types.CredentialID) (*StoredCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[id]
	if !ok {
		return nil, types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND,
			"credential not found").With("id", id.String())
	}
	cp := *cred
	return &cp, nil
}

func (s *MemoryStateStore) SwapCredential(_ context.Context, cred *StoredCredential, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.credentials[cred.Metadata.ID]
	if !ok {
		return types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND,
			"credential not found").With("id", cred.Metadata.ID.String())
	}
	if current.Metadata.Version != expectedVersion {
		return types.NewError(types.KindConflict, types.ROTATION_VERSION_MISMATCH,
			"credential version changed concurrently").
			With("id", cred.Metadata.ID.String()).
			With("expected", expectedVersion).
			With("actual", current.Metadata.Version)
	}
	cp := *cred
	cp.Metadata.Version = expectedVersion + 1
	cp.Metadata.UpdatedAt = time.Now().UTC()
	s.credentials[cred.Metadata.ID] = &cp
	return nil
}

func (s *MemoryStateStore) TouchCredential(_ context.Context, id types.CredentialID, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[id]
	if !ok {
		return types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND,
			"credential not found").With("id", id.String())
	}
	cred.Metadata.UsageCount++
	cred.Metadata.LastUsed = &usedAt
	return nil
}

func (s *MemoryStateStore) DeleteCredential(_ context.Context, id types.CredentialID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND,
			"credential not found").With("id", id.String())
	}
	delete(s.credentials, id)
	return nil
}

func (s *MemoryStateStore) ListCredentials(_ context.Context) ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, len(s.credentials))
	for _, cred := range s.credentials {
		out = append(out, cred.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStateStore) SaveRotation(_ context.Context, tx *RotationTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tx
	s.rotations[tx.ID] = &cp
	return nil
}

func (s *MemoryStateStore) GetRotation(_ context.Context, id string) (*RotationTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.rotations[id]
	if !ok {
		return nil, types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND,
			"rotation transaction not found").With("transaction_id", id)
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStateStore) AppendRotationError(_ context.Context, entry RotationErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorLog[entry.CredentialID] = append(s.errorLog[entry.CredentialID], entry)
	return nil
}

func (s *MemoryStateStore) ListRotationErrors(_ context.Context, id types.CredentialID) ([]RotationErrorLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.errorLog[id]
	out := make([]RotationErrorLog, len(entries))
	copy(out, entries)
	return out, nil
}
