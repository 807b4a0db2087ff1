package credential

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vanyastaff/nebula-sub013/internal/events"
	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// RotationState is the lifecycle state of a rotation transaction.
type RotationState string

const (
	// RotationPrepared means the backup is recorded and the new state is
	// being computed.
	RotationPrepared RotationState = "prepared"

	// RotationCommitted means the new state was swapped in atomically.
	RotationCommitted RotationState = "committed"

	// RotationCompensated means the rotation failed and the prior state
	// stands.
	RotationCompensated RotationState = "compensated"
)

// RotationTransaction records one rotation attempt.
type RotationTransaction struct {
	ID           string             `json:"id"`
	CredentialID types.CredentialID `json:"credential_id"`
	State        RotationState      `json:"state"`
	StartedAt    time.Time          `json:"started_at"`
	Deadline     time.Time          `json:"deadline"`
	Attempts     int                `json:"attempts"`

	// OldBackup is the credential as it stood before the rotation, kept
	// for compensation.
	OldBackup *StoredCredential `json:"old_backup,omitempty"`
}

// RotationErrorLog is one audit entry for a failed rotation step.
type RotationErrorLog struct {
	TransactionID     string             `json:"transaction_id"`
	CredentialID      types.CredentialID `json:"credential_id"`
	ErrorMessage      string             `json:"error_message"`
	RetryCount        int                `json:"retry_count"`
	Classification    string             `json:"classification"`
	RollbackTriggered bool               `json:"rollback_triggered"`
	StateAtError      RotationState      `json:"state_at_error"`
	OccurredAt        time.Time          `json:"occurred_at"`
}

// RotateFunc computes a credential's next value from its current one.
type RotateFunc func(ctx context.Context, current *types.Secret) (*types.Secret, error)

// Rotator runs rotation transactions against the manager's store. At most
// one rotation per credential is live at a time; concurrent callers fail
// with ROTATION_CONFLICT.
type Rotator struct {
	manager     *Manager
	maxAttempts int
	timeout     time.Duration
	retryDelay  time.Duration

	mu       sync.Mutex
	inflight map[types.CredentialID]struct{}
}

// RotatorOption configures a Rotator.
type RotatorOption func(*Rotator)

// WithMaxAttempts bounds retries of transient failures.
func WithMaxAttempts(n int) RotatorOption {
	return func(r *Rotator) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRotationTimeout sets the transaction deadline.
func WithRotationTimeout(d time.Duration) RotatorOption {
	return func(r *Rotator) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetryDelay sets the pause between transient retries.
func WithRetryDelay(d time.Duration) RotatorOption {
	return func(r *Rotator) {
		if d >= 0 {
			r.retryDelay = d
		}
	}
}

// NewRotator builds a Rotator over the manager's store and cache.
func NewRotator(manager *Manager, opts ...RotatorOption) *Rotator {
	r := &Rotator{
		manager:     manager,
		maxAttempts: 3,
		timeout:     time.Minute,
		retryDelay:  100 * time.Millisecond,
		inflight:    make(map[types.CredentialID]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rotate runs a full prepare/commit cycle: back up the current state,
// compute the new value, and swap it in with a compare-and-swap on the
// stored version. On failure the transaction is compensated and the prior
// state stands.
func (r *Rotator) Rotate(ctx context.Context, id types.CredentialID, rotate RotateFunc) (*RotationTransaction, error) {
	if !r.acquire(id) {
		return nil, types.NewError(types.KindConflict, types.ROTATION_CONFLICT,
			"a rotation is already in progress for this credential").
			With("id", id.String())
	}
	defer r.release(id)

	m := r.manager
	current, err := m.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	plaintext, err := m.encryptor.Decrypt(&current.Data, m.masterKey)
	if err != nil {
		return nil, types.WrapError(types.KindPermanent, types.DECRYPTION_FAILED,
			"failed to decrypt credential for rotation", err).With("id", id.String())
	}
	currentSecret := types.NewSecretFromBytes(plaintext)

	// Prepare: persist the transaction with a backup of the prior state.
	now := m.now().UTC()
	backup := *current
	tx := &RotationTransaction{
		ID:           uuid.NewString(),
		CredentialID: id,
		State:        RotationPrepared,
		StartedAt:    now,
		Deadline:     now.Add(r.timeout),
		OldBackup:    &backup,
	}
	if err := m.store.SaveRotation(ctx, tx); err != nil {
		return nil, err
	}
	m.publish(ctx, events.New(events.EventRotationStarted).
		WithCredential(id).WithField("transaction_id", tx.ID))

	commitErr := r.attemptCommit(ctx, tx, current, currentSecret, rotate)
	if commitErr != nil {
		// Compensate: the swap never landed, so the backup state stands.
		tx.State = RotationCompensated
		if err := m.store.SaveRotation(ctx, tx); err != nil {
			m.logger.WarnContext(ctx, "failed to persist compensated rotation",
				"transaction_id", tx.ID, "error", err)
		}
		r.logError(ctx, tx, commitErr, tx.Attempts, true)
		m.publish(ctx, events.New(events.EventRotationCompensated).
			WithCredential(id).WithField("transaction_id", tx.ID))
		return tx, commitErr
	}

	tx.State = RotationCommitted
	if err := m.store.SaveRotation(ctx, tx); err != nil {
		m.logger.WarnContext(ctx, "failed to persist committed rotation",
			"transaction_id", tx.ID, "error", err)
	}
	m.cache.Invalidate(id)
	m.publish(ctx, events.New(events.EventRotationCommitted).
		WithCredential(id).WithField("transaction_id", tx.ID))
	m.logger.InfoContext(ctx, "credential rotated",
		"credential_id", id.String(), "transaction_id", tx.ID, "attempts", tx.Attempts)
	return tx, nil
}

// attemptCommit computes and swaps in the new state, retrying transient
// failures within the attempt budget and the transaction deadline.
func (r *Rotator) attemptCommit(ctx context.Context, tx *RotationTransaction, current *StoredCredential, currentSecret *types.Secret, rotate RotateFunc) error {
	m := r.manager
	var lastErr error

	for tx.Attempts < r.maxAttempts {
		tx.Attempts++

		if m.now().After(tx.Deadline) {
			return types.NewError(types.KindTransient, types.STORAGE_TIMEOUT,
				"rotation transaction deadline exceeded").
				With("transaction_id", tx.ID)
		}
		if err := ctx.Err(); err != nil {
			return types.WrapError(types.KindCancelled, types.EXECUTION_CANCELLED,
				"rotation cancelled", err)
		}

		lastErr = r.tryOnce(ctx, tx, current, currentSecret, rotate)
		if lastErr == nil {
			return nil
		}
		r.logError(ctx, tx, lastErr, tx.Attempts, false)
		if !types.IsRetryable(lastErr) {
			return lastErr
		}
		if r.retryDelay > 0 {
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				return types.WrapError(types.KindCancelled, types.EXECUTION_CANCELLED,
					"rotation cancelled", ctx.Err())
			}
		}
	}
	return types.WrapError(types.KindExhausted, types.ROTATION_CONFLICT,
		"rotation retries exhausted", lastErr).With("attempts", tx.Attempts)
}

func (r *Rotator) tryOnce(ctx context.Context, tx *RotationTransaction, current *StoredCredential, currentSecret *types.Secret, rotate RotateFunc) error {
	m := r.manager

	next, err := rotate(ctx, currentSecret)
	if err != nil {
		return err
	}
	if next.IsZero() {
		return types.NewError(types.KindPermanent, types.CREDENTIAL_INVALID,
			"rotation produced an empty credential value")
	}

	var encrypted *StoredCredential
	encErr := next.ExposeErr(func(plaintext string) error {
		data, err := m.encryptor.Encrypt([]byte(plaintext), m.masterKey)
		if err != nil {
			return err
		}
		updated := *current
		updated.Data = *data
		encrypted = &updated
		return nil
	})
	if encErr != nil {
		return types.WrapError(types.KindPermanent, types.ENCRYPTION_FAILED,
			"failed to encrypt rotated credential", encErr)
	}

	return m.store.SwapCredential(ctx, encrypted, current.Metadata.Version)
}

func (r *Rotator) logError(ctx context.Context, tx *RotationTransaction, err error, retryCount int, rollback bool) {
	classification := "permanent"
	if types.IsRetryable(err) {
		classification = "transient"
	}
	entry := RotationErrorLog{
		TransactionID:     tx.ID,
		CredentialID:      tx.CredentialID,
		ErrorMessage:      err.Error(),
		RetryCount:        retryCount,
		Classification:    classification,
		RollbackTriggered: rollback,
		StateAtError:      tx.State,
		OccurredAt:        r.manager.now().UTC(),
	}
	if logErr := r.manager.store.AppendRotationError(ctx, entry); logErr != nil {
		r.manager.logger.WarnContext(ctx, "failed to append rotation error log",
			"transaction_id", tx.ID, "error", logErr)
	}
}

func (r *Rotator) acquire(id types.CredentialID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[id]; busy {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Rotator) release(id types.CredentialID) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
}
