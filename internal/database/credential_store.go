package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vanyastaff/nebula-sub013/internal/credential"
	"github.com/vanyastaff/nebula-sub013/internal/crypto"
	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// CredentialStore is the SQLite-backed credential state store. Version swaps
// are compare-and-swap at the SQL level, so concurrent rotations against the
// same row cannot both land.
type CredentialStore struct {
	db *DB
}

var _ credential.StateStore = (*CredentialStore)(nil)

// NewCredentialStore creates a store over an open database. The schema must
// already be migrated.
func NewCredentialStore(db *DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) SaveCredential(ctx context.Context, cred *credential.StoredCredential) error {
	scopeJSON, err := json.Marshal(cred.Metadata.OwnerScope)
	if err != nil {
		return types.WrapError(types.KindPermanent, types.STORAGE_WRITE_FAILED,
			"failed to marshal owner scope", err)
	}
	rotationJSON, err := json.Marshal(cred.Metadata.Rotation)
	if err != nil {
		return types.WrapError(types.KindPermanent, types.STORAGE_WRITE_FAILED,
			"failed to marshal rotation policy", err)
	}

	query := `
		INSERT INTO credentials (
			id, name, key, owner_scope, version, rotation,
			usage_count, created_at, updated_at, last_used,
			ciphertext, nonce, tag, salt
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		cred.Metadata.ID.String(),
		cred.Metadata.Name,
		cred.Metadata.Key,
		string(scopeJSON),
		cred.Metadata.Version,
		string(rotationJSON),
		cred.Metadata.UsageCount,
		cred.Metadata.CreatedAt,
		cred.Metadata.UpdatedAt,
		nullableTime(cred.Metadata.LastUsed),
		cred.Data.Ciphertext,
		cred.Data.Nonce,
		cred.Data.Tag,
		cred.Data.Salt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewError(types.KindConflict, types.CREDENTIAL_INVALID,
				"credential already exists").With("id", cred.Metadata.ID.String())
		}
		return types.WrapError(types.KindTransient, types.STORAGE_WRITE_FAILED,
			"failed to insert credential", err)
	}
	return nil
}

func (s *CredentialStore) GetCredential(ctx context.Context, id types.CredentialID) (*credential.StoredCredential, error) {
	query := `
		SELECT id, name, key, owner_scope, version, rotation,
		       usage_count, created_at, updated_at, last_used,
		       ciphertext, nonce, tag, salt
		FROM credentials
		WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id.String())
	cred, err := scanCredential(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND,
			"credential not found").With("id", id.String())
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *CredentialStore) SwapCredential(ctx context.Context, cred *credential.StoredCredential, expectedVersion int64) error {
	query := `
		UPDATE credentials
		SET version = version + 1,
		    updated_at = ?,
		    ciphertext = ?, nonce = ?, tag = ?, salt = ?
		WHERE id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		time.Now().UTC(),
		cred.Data.Ciphertext,
		cred.Data.Nonce,
		cred.Data.Tag,
		cred.Data.Salt,
		cred.Metadata.ID.String(),
		expectedVersion,
	)
	if err != nil {
		return types.WrapError(types.KindTransient, types.STORAGE_WRITE_FAILED,
			"failed to swap credential", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(types.KindTransient, types.STORAGE_WRITE_FAILED,
			"failed to read swap result", err)
	}
	if affected == 0 {
		// Either the row is gone or its version moved under us; distinguish
		// so callers get the right error class.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM credentials WHERE id = ?",
			cred.Metadata.ID.String()).Scan(&exists); err == nil && exists == 0 {
			return types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND,
				"credential not found").With("id", cred.Metadata.ID.String())
		}
		return types.NewError(types.KindConflict, types.ROTATION_VERSION_MISMATCH,
			"credential version changed concurrently").
			With("id", cred.Metadata.ID.String()).
			With("expected", expectedVersion)
	}
	return nil
}

func (s *CredentialStore) TouchCredential(ctx context.Context, id types.CredentialID, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE credentials SET usage_count = usage_count + 1, last_used = ? WHERE id = ?",
		usedAt, id.String())
	if err != nil {
		return types.WrapError(types.KindTransient, types.STORAGE_WRITE_FAILED,
			"failed to record credential usage", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(types.KindTransient, types.STORAGE_WRITE_FAILED,
			"failed to read touch result", err)
	}
	if affected == 0 {
		return types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND,
			"credential not found").With("id", id.String())
	}
	return nil
}

func (s *CredentialStore) DeleteCredential(ctx context.Context, id types.CredentialID) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id.String())
	if err != nil {
		return types.WrapError(types.KindTransient, types.STORAGE_WRITE_FAILED,
			"failed to delete credential", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(types.KindTransient, types.STORAGE_WRITE_FAILED,
			"failed to read delete result", err)
	}
	if affected == 0 {
		return types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND,
			"credential not found").With("id", id.String())
	}
	return nil
}

func (s *CredentialStore) ListCredentials(ctx context.Context) ([]credential.Metadata, error) {
	query := `
		SELECT id, name, key, owner_scope, version, rotation,
		       usage_count, created_at, updated_at, last_used,
		       ciphertext, nonce, tag, salt
		FROM credentials
		ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, types.WrapError(types.KindTransient, types.STORAGE_READ_FAILED,
			"failed to list credentials", err)
	}
	defer rows.Close()

	var out []credential.Metadata
	for rows.Next() {
		cred, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cred.Metadata)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.KindTransient, types.STORAGE_READ_FAILED,
			"failed to iterate credentials", err)
	}
	return out, nil
}

func (s *CredentialStore) SaveRotation(ctx context.Context, tx *credential.RotationTransaction) error {
	var backupJSON sql.NullString
	if tx.OldBackup != nil {
		data, err := json.Marshal(tx.OldBackup)
		if err != nil {
			return types.WrapError(types.KindPermanent, types.STORAGE_WRITE_FAILED,
				"failed to marshal rotation backup", err)
		}
		backupJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO rotation_transactions (id, credential_id, state, started_at, deadline, attempts, old_backup)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, attempts = excluded.attempts
	`
	_, err := s.db.ExecContext(ctx, query,
		tx.ID,
		tx.CredentialID.String(),
		string(tx.State),
		tx.StartedAt,
		tx.Deadline,
		tx.Attempts,
		backupJSON,
	)
	if err != nil {
		return types.WrapError(types.KindTransient, types.STORAGE_WRITE_FAILED,
			"failed to save rotation transaction", err)
	}
	return nil
}

func (s *CredentialStore) GetRotation(ctx context.Context, id string) (*credential.RotationTransaction, error) {
	query := `
		SELECT id, credential_id, state, started_at, deadline, attempts, old_backup
		FROM rotation_transactions
		WHERE id = ?
	`
	var (
		tx         credential.RotationTransaction
		credIDStr  string
		stateStr   string
		backupJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&tx.ID, &credIDStr, &stateStr, &tx.StartedAt, &tx.Deadline, &tx.Attempts, &backupJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.KindPermanent, types.CREDENTIAL_NOT_FOUND,
			"rotation transaction not found").With("transaction_id", id)
	}
	if err != nil {
		return nil, types.WrapError(types.KindTransient, types.STORAGE_READ_FAILED,
			"failed to query rotation transaction", err)
	}

	credID, err := types.ParseCredentialID(credIDStr)
	if err != nil {
		return nil, types.WrapError(types.KindPermanent, types.STORAGE_READ_FAILED,
			"stored credential id is malformed", err)
	}
	tx.CredentialID = credID
	tx.State = credential.RotationState(stateStr)
	if backupJSON.Valid {
		var backup credential.StoredCredential
		if err := json.Unmarshal([]byte(backupJSON.String), &backup); err != nil {
			return nil, types.WrapError(types.KindPermanent, types.STORAGE_READ_FAILED,
				"stored rotation backup is malformed", err)
		}
		tx.OldBackup = &backup
	}
	return &tx, nil
}

func (s *CredentialStore) AppendRotationError(ctx context.Context, entry credential.RotationErrorLog) error {
	query := `
		INSERT INTO rotation_errors (
			transaction_id, credential_id, error_message, retry_count,
			classification, rollback_triggered, state_at_error, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.TransactionID,
		entry.CredentialID.String(),
		entry.ErrorMessage,
		entry.RetryCount,
		entry.Classification,
		entry.RollbackTriggered,
		string(entry.StateAtError),
		entry.OccurredAt,
	)
	if err != nil {
		return types.WrapError(types.KindTransient, types.STORAGE_WRITE_FAILED,
			"failed to append rotation error", err)
	}
	return nil
}

func (s *CredentialStore) ListRotationErrors(ctx context.Context, id types.CredentialID) ([]credential.RotationErrorLog, error) {
	query := `
		SELECT transaction_id, credential_id, error_message, retry_count,
		       classification, rollback_triggered, state_at_error, occurred_at
		FROM rotation_errors
		WHERE credential_id = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, id.String())
	if err != nil {
		return nil, types.WrapError(types.KindTransient, types.STORAGE_READ_FAILED,
			"failed to list rotation errors", err)
	}
	defer rows.Close()

	var out []credential.RotationErrorLog
	for rows.Next() {
		var (
			entry     credential.RotationErrorLog
			credIDStr string
			stateStr  string
		)
		if err := rows.Scan(
			&entry.TransactionID, &credIDStr, &entry.ErrorMessage, &entry.RetryCount,
			&entry.Classification, &entry.RollbackTriggered, &stateStr, &entry.OccurredAt,
		); err != nil {
			return nil, types.WrapError(types.KindTransient, types.STORAGE_READ_FAILED,
				"failed to scan rotation error", err)
		}
		credID, err := types.ParseCredentialID(credIDStr)
		if err != nil {
			return nil, types.WrapError(types.KindPermanent, types.STORAGE_READ_FAILED,
				"stored credential id is malformed", err)
		}
		entry.CredentialID = credID
		entry.StateAtError = credential.RotationState(stateStr)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.KindTransient, types.STORAGE_READ_FAILED,
			"failed to iterate rotation errors", err)
	}
	return out, nil
}

// scanCredential reads one credentials row via the given scan function.
func scanCredential(scan func(dest ...any) error) (*credential.StoredCredential, error) {
	var (
		idStr, name, key         string
		scopeJSON, rotationJSON  string
		version, usageCount      int64
		createdAt, updatedAt     time.Time
		lastUsed                 sql.NullTime
		ciphertext, nonce        []byte
		tag, salt                []byte
	)
	err := scan(
		&idStr, &name, &key, &scopeJSON, &version, &rotationJSON,
		&usageCount, &createdAt, &updatedAt, &lastUsed,
		&ciphertext, &nonce, &tag, &salt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, types.WrapError(types.KindTransient, types.STORAGE_READ_FAILED,
			"failed to scan credential", err)
	}

	id, err := types.ParseCredentialID(idStr)
	if err != nil {
		return nil, types.WrapError(types.KindPermanent, types.STORAGE_READ_FAILED,
			"stored credential id is malformed", err)
	}
	var scope types.Scope
	if err := json.Unmarshal([]byte(scopeJSON), &scope); err != nil {
		return nil, types.WrapError(types.KindPermanent, types.STORAGE_READ_FAILED,
			"stored owner scope is malformed", err)
	}
	var rotation credential.RotationPolicy
	if err := json.Unmarshal([]byte(rotationJSON), &rotation); err != nil {
		return nil, types.WrapError(types.KindPermanent, types.STORAGE_READ_FAILED,
			"stored rotation policy is malformed", err)
	}

	cred := &credential.StoredCredential{
		Metadata: credential.Metadata{
			ID:         id,
			Name:       name,
			Key:        key,
			OwnerScope: scope,
			Version:    version,
			Rotation:   rotation,
			UsageCount: usageCount,
			CreatedAt:  createdAt,
			UpdatedAt:  updatedAt,
		},
		Data: crypto.EncryptedData{Ciphertext: ciphertext, Nonce: nonce, Tag: tag, Salt: salt},
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		cred.Metadata.LastUsed = &t
	}
	return cred, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
