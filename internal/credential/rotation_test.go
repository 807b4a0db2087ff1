package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

func TestRotateCommits(t *testing.T) {
	m := newTestManager(t)
	meta := storeCredential(t, m, Metadata{Name: "api", Key: "api_key", OwnerScope: types.GlobalScope()}, "old-value")

	r := NewRotator(m, WithRetryDelay(0))
	tx, err := r.Rotate(context.Background(), meta.ID, func(_ context.Context, current *types.Secret) (*types.Secret, error) {
		current.Expose(func(plaintext string) {
			assert.Equal(t, "old-value", plaintext)
		})
		return types.NewSecret("new-value"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, RotationCommitted, tx.State)
	assert.Equal(t, 1, tx.Attempts)

	// The swap bumped the stored version and the new value is live.
	cred, err := m.store.GetCredential(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cred.Metadata.Version)

	secret, err := m.Retrieve(context.Background(), meta.ID)
	require.NoError(t, err)
	secret.Expose(func(plaintext string) {
		assert.Equal(t, "new-value", plaintext)
	})

	// The persisted transaction reflects the final state.
	persisted, err := m.store.GetRotation(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, RotationCommitted, persisted.State)
}

func TestRotateCompensatesAfterTransientFailures(t *testing.T) {
	m := newTestManager(t)
	meta := storeCredential(t, m, Metadata{Name: "api", Key: "api_key", OwnerScope: types.GlobalScope()}, "old-value")

	before, err := m.store.GetCredential(context.Background(), meta.ID)
	require.NoError(t, err)

	r := NewRotator(m, WithMaxAttempts(3), WithRetryDelay(0))
	calls := 0
	tx, err := r.Rotate(context.Background(), meta.ID, func(context.Context, *types.Secret) (*types.Secret, error) {
		calls++
		return nil, types.NewError(types.KindTransient, types.STORAGE_TIMEOUT, "issuer unavailable")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindExhausted, types.ROTATION_CONFLICT, ""))
	assert.Equal(t, 3, calls, "transient failures retry up to the attempt budget")

	require.NotNil(t, tx)
	assert.Equal(t, RotationCompensated, tx.State)
	require.NotNil(t, tx.OldBackup)
	assert.Equal(t, before.Metadata.Version, tx.OldBackup.Metadata.Version)

	// The stored credential is untouched: same version, same ciphertext.
	after, err := m.store.GetCredential(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Metadata.Version, after.Metadata.Version)
	assert.Equal(t, before.Data.Ciphertext, after.Data.Ciphertext)

	secret, err := m.Retrieve(context.Background(), meta.ID)
	require.NoError(t, err)
	secret.Expose(func(plaintext string) {
		assert.Equal(t, "old-value", plaintext)
	})

	// The audit log records each attempt plus the rollback entry.
	entries, err := m.store.ListRotationErrors(context.Background(), meta.ID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for _, entry := range entries[:3] {
		assert.Equal(t, "transient", entry.Classification)
		assert.False(t, entry.RollbackTriggered)
	}
	final := entries[3]
	assert.True(t, final.RollbackTriggered)
	assert.Equal(t, RotationCompensated, final.StateAtError)
}

func TestRotateStopsOnPermanentFailure(t *testing.T) {
	m := newTestManager(t)
	meta := storeCredential(t, m, Metadata{Name: "api", Key: "api_key", OwnerScope: types.GlobalScope()}, "v")

	r := NewRotator(m, WithMaxAttempts(5), WithRetryDelay(0))
	calls := 0
	tx, err := r.Rotate(context.Background(), meta.ID, func(context.Context, *types.Secret) (*types.Secret, error) {
		calls++
		return nil, types.NewError(types.KindPermanent, types.CREDENTIAL_INVALID, "issuer rejected the request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent failures are not retried")
	assert.Equal(t, RotationCompensated, tx.State)
}

func TestRotateRejectsEmptyResult(t *testing.T) {
	m := newTestManager(t)
	meta := storeCredential(t, m, Metadata{Name: "api", Key: "api_key", OwnerScope: types.GlobalScope()}, "v")

	r := NewRotator(m, WithRetryDelay(0))
	tx, err := r.Rotate(context.Background(), meta.ID, func(context.Context, *types.Secret) (*types.Secret, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindPermanent, types.CREDENTIAL_INVALID, ""))
	assert.Equal(t, RotationCompensated, tx.State)
}

func TestRotateConcurrentConflict(t *testing.T) {
	m := newTestManager(t)
	meta := storeCredential(t, m, Metadata{Name: "api", Key: "api_key", OwnerScope: types.GlobalScope()}, "v")

	r := NewRotator(m, WithRetryDelay(0))
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := r.Rotate(context.Background(), meta.ID, func(context.Context, *types.Secret) (*types.Secret, error) {
			close(entered)
			<-release
			return types.NewSecret("new"), nil
		})
		done <- err
	}()

	<-entered
	_, err := r.Rotate(context.Background(), meta.ID, func(context.Context, *types.Secret) (*types.Secret, error) {
		return types.NewSecret("other"), nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindConflict, types.ROTATION_CONFLICT, ""))

	close(release)
	require.NoError(t, <-done)

	// Once the first rotation completes the credential is free again.
	_, err = r.Rotate(context.Background(), meta.ID, func(context.Context, *types.Secret) (*types.Secret, error) {
		return types.NewSecret("third"), nil
	})
	assert.NoError(t, err)
}

func TestRotateUnknownCredential(t *testing.T) {
	m := newTestManager(t)
	r := NewRotator(m)
	_, err := r.Rotate(context.Background(), types.NewCredentialID(), func(context.Context, *types.Secret) (*types.Secret, error) {
		return types.NewSecret("x"), nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND, ""))
}

func TestRotateVersionMismatchRetriesAgainstStaleVersion(t *testing.T) {
	m := newTestManager(t)
	meta := storeCredential(t, m, Metadata{Name: "api", Key: "api_key", OwnerScope: types.GlobalScope()}, "v")

	r := NewRotator(m, WithMaxAttempts(2), WithRetryDelay(0))
	bumped := false
	tx, err := r.Rotate(context.Background(), meta.ID, func(context.Context, *types.Secret) (*types.Secret, error) {
		if !bumped {
			// Simulate a concurrent writer landing between prepare and
			// commit: the CAS sees a stale version and fails.
			bumped = true
			cred, getErr := m.store.GetCredential(context.Background(), meta.ID)
			require.NoError(t, getErr)
			require.NoError(t, m.store.SwapCredential(context.Background(), cred, cred.Metadata.Version))
		}
		return types.NewSecret("new"), nil
	})
	require.Error(t, err)
	assert.Equal(t, RotationCompensated, tx.State)

	entries, listErr := m.store.ListRotationErrors(context.Background(), meta.ID)
	require.NoError(t, listErr)
	require.NotEmpty(t, entries)
	assert.Equal(t, "transient", entries[0].Classification)
}

func TestRotateDeadlineExceeded(t *testing.T) {
	created := time.Now().UTC()
	clock := created
	m := newTestManager(t, withClock(func() time.Time { return clock }))
	meta := storeCredential(t, m, Metadata{Name: "api", Key: "api_key", OwnerScope: types.GlobalScope()}, "v")

	r := NewRotator(m, WithRotationTimeout(time.Second), WithMaxAttempts(3), WithRetryDelay(0))
	tx, err := r.Rotate(context.Background(), meta.ID, func(context.Context, *types.Secret) (*types.Secret, error) {
		// Blow past the deadline during the first attempt; the second
		// attempt must be refused before invoking this function again.
		clock = clock.Add(2 * time.Second)
		return nil, types.NewError(types.KindTransient, types.STORAGE_TIMEOUT, "slow issuer")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.NewError(types.KindTransient, types.STORAGE_TIMEOUT, ""))
	assert.Equal(t, RotationCompensated, tx.State)
}
