package db

import (
	"context"
	"sort"
	"strings"

	"github.com/siddontang/go-mysql/client"

	"go-feishu-sync/core"
)

// Applier writes Sheet-originated changes into the relational side.
// Every statement stamps _sync_source='feishu' so the table triggers
// recognize the write as the engine's own and keep it out of
// sync_queue.
type Applier struct {
	db *DB
}

func NewApplier(d *DB) *Applier { return &Applier{db: d} }

// Upsert inserts the record or updates it in place when the key
// already exists, which makes a full resync after --reset-snapshot a
// plain replay of CREATE events.
func (a *Applier) Upsert(ctx context.Context, pair *core.Pair, keyValue string, rec core.Record) error {
	cols, args := orderedColumns(rec)
	cols = append(cols, "_sync_source")
	args = append(args, "feishu")

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteIdent(pair.DBTable))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES (")
	b.WriteString(placeholders(len(cols)))
	b.WriteString(") ON DUPLICATE KEY UPDATE ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
		b.WriteString(" = VALUES(")
		b.WriteString(quoteIdent(c))
		b.WriteString(")")
	}

	_, err := a.db.exec(ctx, b.String(), args...)
	return err
}

// Update modifies the row addressed by the pair's key column.
func (a *Applier) Update(ctx context.Context, pair *core.Pair, keyValue string, rec core.Record) error {
	cols, args := orderedColumns(rec)

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(quoteIdent(pair.DBTable))
	b.WriteString(" SET ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
		b.WriteString(" = ?")
	}
	b.WriteString(", _sync_source = 'feishu' WHERE ")
	b.WriteString(quoteIdent(pair.KeyField))
	b.WriteString(" = ?")
	args = append(args, keyValue)

	r, err := a.db.exec(ctx, b.String(), args...)
	if err != nil {
		return err
	}
	if r.AffectedRows == 0 {
		// either the row is gone or the update was a no-op; the
		// caller's upsert fallback is harmless in both cases
		return core.Errorf(core.KindNotFound, "db", "%s: no row with %s = %s",
			pair.DBTable, pair.KeyField, keyValue)
	}
	return nil
}

// Delete removes the row addressed by the key column. The row is
// stamped first, in the same transaction, so the delete trigger sees
// OLD._sync_source='feishu' and suppresses the echo.
func (a *Applier) Delete(ctx context.Context, pair *core.Pair, keyValue string) error {
	table := quoteIdent(pair.DBTable)
	keyCol := quoteIdent(pair.KeyField)

	return a.db.withTx(ctx, func(conn *client.Conn) error {
		if _, err := conn.Execute(
			"UPDATE "+table+" SET _sync_source = 'feishu' WHERE "+keyCol+" = ?", keyValue); err != nil {
			return classify("db", err)
		}
		if _, err := conn.Execute(
			"DELETE FROM "+table+" WHERE "+keyCol+" = ?", keyValue); err != nil {
			return classify("db", err)
		}
		return nil
	})
}

func orderedColumns(rec core.Record) ([]string, []interface{}) {
	cols := make([]string, 0, len(rec))
	for c := range rec {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]interface{}, 0, len(cols))
	for _, c := range cols {
		args = append(args, sqlArg(rec[c]))
	}
	return cols, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
