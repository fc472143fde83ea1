package db

import (
	"context"
	"time"

	"go-feishu-sync/core"
)

// LedgerStore is the persistent (L2) anti-loop tier on the sync_log
// table.
type LedgerStore struct {
	db *DB
}

func NewLedgerStore(d *DB) *LedgerStore { return &LedgerStore{db: d} }

func (s *LedgerStore) Append(ctx context.Context, fingerprint string, direction core.Direction, appliedAt time.Time) error {
	_, err := s.db.exec(ctx,
		"INSERT INTO sync_log (sync_hash, direction, created_at) VALUES (?, ?, ?)",
		fingerprint, string(direction), appliedAt.UTC().Format(sqlTimeLayout))
	return err
}

func (s *LedgerStore) SeenWithin(ctx context.Context, fingerprint string, direction core.Direction, cutoff time.Time) (bool, error) {
	r, err := s.db.exec(ctx,
		"SELECT 1 FROM sync_log WHERE sync_hash = ? AND direction = ? AND created_at >= ? LIMIT 1",
		fingerprint, string(direction), cutoff.UTC().Format(sqlTimeLayout))
	if err != nil {
		return false, err
	}
	return r.RowNumber() > 0, nil
}

// IDMap persists the pair/key_value/external_id association in the
// id_mapping table.
type IDMap struct {
	db *DB
}

func NewIDMap(d *DB) *IDMap { return &IDMap{db: d} }

func (m *IDMap) ExternalID(ctx context.Context, pair, keyValue string) (string, bool, error) {
	r, err := m.db.exec(ctx,
		"SELECT external_id FROM id_mapping WHERE pair = ? AND key_value = ?", pair, keyValue)
	if err != nil {
		return "", false, err
	}
	if r.RowNumber() == 0 {
		return "", false, nil
	}
	id, err := r.GetString(0, 0)
	if err != nil {
		return "", false, classify("id_mapping", err)
	}
	return id, true, nil
}

func (m *IDMap) KeyValue(ctx context.Context, pair, externalID string) (string, bool, error) {
	r, err := m.db.exec(ctx,
		"SELECT key_value FROM id_mapping WHERE pair = ? AND external_id = ?", pair, externalID)
	if err != nil {
		return "", false, err
	}
	if r.RowNumber() == 0 {
		return "", false, nil
	}
	key, err := r.GetString(0, 0)
	if err != nil {
		return "", false, classify("id_mapping", err)
	}
	return key, true, nil
}

func (m *IDMap) Save(ctx context.Context, pair, keyValue, externalID string) error {
	_, err := m.db.exec(ctx,
		`INSERT INTO id_mapping (pair, key_value, external_id) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE external_id = VALUES(external_id)`,
		pair, keyValue, externalID)
	return err
}

func (m *IDMap) Delete(ctx context.Context, pair, keyValue string) error {
	_, err := m.db.exec(ctx,
		"DELETE FROM id_mapping WHERE pair = ? AND key_value = ?", pair, keyValue)
	return err
}
