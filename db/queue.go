package db

import (
	"context"
	"strings"
	"time"

	"github.com/siddontang/go-mysql/client"
	"github.com/siddontang/go-mysql/mysql"
	log "github.com/sirupsen/logrus"

	"go-feishu-sync/core"
)

// Queue drives the trigger-populated sync_queue table.
type Queue struct {
	db       *DB
	retryMax int
}

func NewQueue(d *DB, retryMax int) *Queue {
	return &Queue{db: d, retryMax: retryMax}
}

// Claim flips up to batch due pending rows to processing and returns
// them. SELECT ... FOR UPDATE and the status flip run in one
// transaction so concurrent claimers never hand out the same row twice.
func (q *Queue) Claim(ctx context.Context, batch int) ([]core.QueueRow, error) {
	var rows []core.QueueRow

	err := q.db.withTx(ctx, func(conn *client.Conn) error {
		r, err := conn.Execute(
			`SELECT id, table_name, record_id, action, old_data, new_data, sync_hash, retry_count, created_at
			 FROM sync_queue
			 WHERE status = 'pending' AND retry_count < ?
			   AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			 ORDER BY created_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE`, q.retryMax, batch)
		if err != nil {
			return classify("queue", err)
		}

		rows = make([]core.QueueRow, 0, r.RowNumber())
		ids := make([]string, 0, r.RowNumber())
		for i := 0; i < r.RowNumber(); i++ {
			row, err := scanQueueRow(r.Resultset, i)
			if err != nil {
				return err
			}
			rows = append(rows, row)
			ids = append(ids, "?")
		}
		if len(rows) == 0 {
			return nil
		}

		args := make([]interface{}, 0, len(rows))
		for _, row := range rows {
			args = append(args, row.ID)
		}
		_, err = conn.Execute(
			"UPDATE sync_queue SET status = 'processing', processed_at = NOW() WHERE id IN ("+
				strings.Join(ids, ", ")+")", args...)
		if err != nil {
			return classify("queue", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func scanQueueRow(rs *mysql.Resultset, i int) (core.QueueRow, error) {
	var row core.QueueRow
	var err error

	if row.ID, err = rs.GetIntByName(i, "id"); err != nil {
		return row, classify("queue", err)
	}
	if row.Table, err = rs.GetStringByName(i, "table_name"); err != nil {
		return row, classify("queue", err)
	}
	if row.RecordID, err = rs.GetStringByName(i, "record_id"); err != nil {
		return row, classify("queue", err)
	}
	action, err := rs.GetStringByName(i, "action")
	if err != nil {
		return row, classify("queue", err)
	}
	row.Action = core.Action(strings.ToUpper(action))
	if row.OldJSON, err = rs.GetStringByName(i, "old_data"); err != nil {
		return row, classify("queue", err)
	}
	if row.NewJSON, err = rs.GetStringByName(i, "new_data"); err != nil {
		return row, classify("queue", err)
	}
	if row.SyncHash, err = rs.GetStringByName(i, "sync_hash"); err != nil {
		return row, classify("queue", err)
	}
	retry, err := rs.GetIntByName(i, "retry_count")
	if err != nil {
		return row, classify("queue", err)
	}
	row.RetryCount = int(retry)
	created, err := rs.GetStringByName(i, "created_at")
	if err != nil {
		return row, classify("queue", err)
	}
	if t, perr := time.Parse(sqlTimeLayout, created); perr == nil {
		row.CreatedAt = t.UTC()
	}
	return row, nil
}

// Complete marks a claimed row done. Reasons other than a plain sync
// (loop_suppressed, already_absent) are kept on the row for audit.
func (q *Queue) Complete(ctx context.Context, id int64, reason string) error {
	note := interface{}(nil)
	if reason != core.ReasonSynced {
		note = reason
	}
	_, err := q.db.exec(ctx,
		"UPDATE sync_queue SET status = 'completed', processed_at = NOW(), error_message = ? WHERE id = ?",
		note, id)
	return err
}

// Requeue returns a claimed row to pending for a later attempt.
func (q *Queue) Requeue(ctx context.Context, id int64, retryCount int, nextAttempt time.Time, errMsg string) error {
	_, err := q.db.exec(ctx,
		`UPDATE sync_queue SET status = 'pending', retry_count = ?, next_attempt_at = ?, error_message = ?
		 WHERE id = ?`,
		retryCount, nextAttempt.UTC().Format(sqlTimeLayout), truncateErr(errMsg), id)
	return err
}

// Fail terminally marks a row failed, preserving the error message.
func (q *Queue) Fail(ctx context.Context, id int64, retryCount int, errMsg string) error {
	_, err := q.db.exec(ctx,
		"UPDATE sync_queue SET status = 'failed', retry_count = ?, processed_at = NOW(), error_message = ? WHERE id = ?",
		retryCount, truncateErr(errMsg), id)
	return err
}

// Depth counts rows still waiting to sync.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	r, err := q.db.exec(ctx, "SELECT COUNT(*) FROM sync_queue WHERE status = 'pending'")
	if err != nil {
		return 0, err
	}
	n, err := r.GetInt(0, 0)
	if err != nil {
		return 0, classify("queue", err)
	}
	return n, nil
}

// QueueStats is the by-status breakdown for the stat page.
type QueueStats struct {
	ByStatus      map[string]int64
	Total         int64
	OldestPending string
}

// Stats aggregates the queue for the stat page.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	stats := QueueStats{ByStatus: make(map[string]int64)}
	r, err := q.db.exec(ctx,
		"SELECT status, COUNT(*), MIN(created_at) FROM sync_queue GROUP BY status")
	if err != nil {
		return stats, err
	}
	for i := 0; i < r.RowNumber(); i++ {
		status, err := r.GetString(i, 0)
		if err != nil {
			return stats, classify("queue", err)
		}
		n, err := r.GetInt(i, 1)
		if err != nil {
			return stats, classify("queue", err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
		if status == "pending" {
			if oldest, err := r.GetString(i, 2); err == nil {
				stats.OldestPending = oldest
			}
		}
	}
	return stats, nil
}

// Recover reverts claims orphaned by a crash or hard shutdown: rows
// stuck in processing longer than staleClaim go back to pending.
func (q *Queue) Recover(ctx context.Context, staleClaim time.Duration) error {
	r, err := q.db.exec(ctx,
		"UPDATE sync_queue SET status = 'pending' WHERE status = 'processing' AND processed_at < NOW() - INTERVAL ? SECOND",
		int64(staleClaim/time.Second))
	if err != nil {
		return err
	}
	if r.AffectedRows > 0 {
		log.Infof("queue: recovered %d stale claims", r.AffectedRows)
	}
	return nil
}

// Reap removes completed queue rows and old sync_log entries past the
// retention window. Pending and failed rows are never touched.
func (q *Queue) Reap(ctx context.Context, retention time.Duration) error {
	days := int64(retention / (24 * time.Hour))
	r, err := q.db.exec(ctx,
		"DELETE FROM sync_queue WHERE status = 'completed' AND processed_at < NOW() - INTERVAL ? DAY", days)
	if err != nil {
		return err
	}
	reaped := r.AffectedRows
	r, err = q.db.exec(ctx,
		"DELETE FROM sync_log WHERE created_at < NOW() - INTERVAL ? DAY", days)
	if err != nil {
		return err
	}
	if reaped+r.AffectedRows > 0 {
		log.Infof("queue: reaped %d completed rows, %d log rows", reaped, r.AffectedRows)
	}
	return nil
}

func truncateErr(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
