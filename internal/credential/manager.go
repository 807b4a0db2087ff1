package credential

import (
	"context"
	"log/slog"
	"time"

	"github.com/vanyastaff/nebula-sub013/internal/crypto"
	"github.com/vanyastaff/nebula-sub013/internal/events"
	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// DefaultMaxValueSize bounds a credential's plaintext size.
const DefaultMaxValueSize = 64 << 10

// Manager wires the state store, the encryptor, and the cache behind the
// credential surface. The at-rest representation is opaque to callers;
// plaintext only ever crosses the boundary wrapped in types.Secret.
type Manager struct {
	store     StateStore
	encryptor crypto.Encryptor
	masterKey []byte
	cache     *Cache
	bus       events.Bus
	logger    *slog.Logger
	maxValue  int
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCache replaces the default cache.
func WithCache(cache *Cache) ManagerOption {
	return func(m *Manager) { m.cache = cache }
}

// WithBus attaches an event bus for credential lifecycle events.
func WithBus(bus events.Bus) ManagerOption {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMaxValueSize overrides the plaintext size limit.
func WithMaxValueSize(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxValue = n
		}
	}
}

// withClock overrides time for tests.
func withClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager around a state store and master key.
func NewManager(store StateStore, encryptor crypto.Encryptor, masterKey []byte, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		encryptor: encryptor,
		masterKey: masterKey,
		cache:     NewCache(DefaultCacheConfig()),
		logger:    slog.Default(),
		maxValue:  DefaultMaxValueSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store encrypts and persists a new credential value. The metadata's ID is
// assigned when zero; the version starts at 1.
func (m *Manager) Store(ctx context.Context, meta Metadata, value *types.Secret) (Metadata, error) {
	if value.IsZero() {
		return Metadata{}, types.NewError(types.KindValidation, types.CREDENTIAL_INVALID,
			"credential value cannot be empty")
	}
	if value.Len() > m.maxValue {
		return Metadata{}, types.NewError(types.KindValidation, types.CREDENTIAL_TOO_LARGE,
			"credential value exceeds size limit").
			With("size", value.Len()).
			With("limit", m.maxValue)
	}
	if err := meta.OwnerScope.Validate(); err != nil {
		return Metadata{}, types.WrapError(types.KindValidation, types.CREDENTIAL_INVALID,
			"invalid owner scope", err)
	}

	if meta.ID.IsZero() {
		meta.ID = types.NewCredentialID()
	}
	now := m.now().UTC()
	meta.Version = 1
	meta.CreatedAt = now
	meta.UpdatedAt = now
	meta.UsageCount = 0
	meta.LastUsed = nil

	var encrypted *crypto.EncryptedData
	err := value.ExposeErr(func(plaintext string) error {
		var encErr error
		encrypted, encErr = m.encryptor.Encrypt([]byte(plaintext), m.masterKey)
		return encErr
	})
	if err != nil {
		return Metadata{}, types.WrapError(types.KindPermanent, types.ENCRYPTION_FAILED,
			"failed to encrypt credential", err).With("id", meta.ID.String())
	}

	cred := &StoredCredential{Metadata: meta, Data: *encrypted}
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return Metadata{}, err
	}

	m.cache.Invalidate(meta.ID)
	m.publish(ctx, events.New(events.EventCredentialStored).WithCredential(meta.ID))
	m.logger.InfoContext(ctx, "credential stored", "credential_id", meta.ID.String(), "key", meta.Key)
	return meta, nil
}

// Retrieve decrypts and returns a credential value, updating usage
// bookkeeping. No scope check is applied; use RetrieveScoped for callers
// acting within a scope.
func (m *Manager) Retrieve(ctx context.Context, id types.CredentialID) (*types.Secret, error) {
	cred, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	plaintext, err := m.encryptor.Decrypt(&cred.Data, m.masterKey)
	if err != nil {
		return nil, types.WrapError(types.KindPermanent, types.DECRYPTION_FAILED,
			"failed to decrypt credential", err).With("id", id.String())
	}

	if err := m.store.TouchCredential(ctx, id, m.now().UTC()); err != nil {
		m.logger.WarnContext(ctx, "failed to record credential usage",
			"credential_id", id.String(), "error", err)
	}
	m.publish(ctx, events.New(events.EventCredentialRetrieved).WithCredential(id))
	return types.NewSecretFromBytes(plaintext), nil
}

// RetrieveScoped retrieves a credential after checking that the caller's
// scope is permitted by the credential's owner scope.
func (m *Manager) RetrieveScoped(ctx context.Context, id types.CredentialID, caller types.Scope) (*types.Secret, error) {
	cred, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.PermitsAccess(cred.Metadata.OwnerScope) {
		return nil, types.NewError(types.KindPermanent, types.PERMISSION_DENIED,
			"caller scope is not permitted to access this credential").
			With("id", id.String()).
			With("caller_scope", caller.String()).
			With("owner_scope", cred.Metadata.OwnerScope.String())
	}
	return m.Retrieve(ctx, id)
}

// Delete removes a credential and invalidates its cache entry.
func (m *Manager) Delete(ctx context.Context, id types.CredentialID) error {
	if err := m.store.DeleteCredential(ctx, id); err != nil {
		return err
	}
	m.cache.Invalidate(id)
	m.publish(ctx, events.New(events.EventCredentialDeleted).WithCredential(id))
	m.logger.InfoContext(ctx, "credential deleted", "credential_id", id.String())
	return nil
}

// List returns metadata for all stored credentials.
func (m *Manager) List(ctx context.Context) ([]Metadata, error) {
	return m.store.ListCredentials(ctx)
}

// Validate checks a credential's health: decryptability, expiry, and
// rotation recommendation. It deliberately applies no scope check.
func (m *Manager) Validate(ctx context.Context, id types.CredentialID) (ValidationResult, error) {
	cred, err := m.load(ctx, id)
	if err != nil {
		if types.KindOf(err) == types.KindPermanent {
			return ValidationResult{}, nil
		}
		return ValidationResult{}, err
	}
	if _, err := m.encryptor.Decrypt(&cred.Data, m.masterKey); err != nil {
		return ValidationResult{}, nil
	}
	return validateAge(cred.Metadata.CreatedAt, cred.Metadata.Rotation, m.now().UTC()), nil
}

// ValidateBatch validates several credentials, keyed by ID.
func (m *Manager) ValidateBatch(ctx context.Context, ids []types.CredentialID) (map[types.CredentialID]ValidationResult, error) {
	out := make(map[types.CredentialID]ValidationResult, len(ids))
	for _, id := range ids {
		result, err := m.Validate(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = result
	}
	return out, nil
}

// CacheStats exposes the cache counters.
func (m *Manager) CacheStats() CacheStats {
	return m.cache.Stats()
}

// load reads through the cache.
func (m *Manager) load(ctx context.Context, id types.CredentialID) (*StoredCredential, error) {
	if cred, ok := m.cache.Get(id); ok {
		return cred, nil
	}
	cred, err := m.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cache.Put(cred)
	return cred, nil
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "failed to publish credential event",
			"type", string(event.Type), "error", err)
	}
}
