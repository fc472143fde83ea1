package db

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/errors"
	"github.com/siddontang/go-mysql/client"
	"github.com/siddontang/go-mysql/mysql"
	log "github.com/sirupsen/logrus"

	"go-feishu-sync/conf"
	"go-feishu-sync/core"
)

const statementTimeout = 10 * time.Second

// DB is a small fixed-size pool of MySQL connections shared by the
// writer, the queue and the persistent stores.
type DB struct {
	addr     string
	user     string
	password string
	database string
	charset  string

	conns chan *client.Conn
	size  int
}

// New dials poolSize connections and verifies the server is reachable.
func New(c *conf.MysqlSet) (*DB, error) {
	d := &DB{
		addr:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		user:     c.UserName,
		password: c.Password,
		database: c.Database,
		charset:  c.Charset,
		conns:    make(chan *client.Conn, c.PoolSize),
		size:     c.PoolSize,
	}
	for i := 0; i < c.PoolSize; i++ {
		conn, err := d.dial()
		if err != nil {
			d.Close()
			return nil, errors.Trace(err)
		}
		d.conns <- conn
	}
	log.Infof("mysql pool ready: %s/%s (%d conns)", d.addr, d.database, c.PoolSize)
	return d, nil
}

func (d *DB) dial() (*client.Conn, error) {
	conn, err := client.Connect(d.addr, d.user, d.password, d.database)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if d.charset != "" {
		if err := conn.SetCharset(d.charset); err != nil {
			conn.Close()
			return nil, errors.Trace(err)
		}
	}
	return conn, nil
}

func (d *DB) get(ctx context.Context) (*client.Conn, error) {
	select {
	case conn := <-d.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, core.NewError(core.KindTransientNetwork, "db", ctx.Err())
	}
}

func (d *DB) put(conn *client.Conn, broken bool) {
	if broken {
		conn.Close()
		fresh, err := d.dial()
		if err != nil {
			log.Errorf("mysql reconnect err: %v", err)
			// leave the slot empty; a background refill keeps dialing
			// until it can put a fresh connection back
			go d.refill()
			return
		}
		conn = fresh
	}
	d.conns <- conn
}

func (d *DB) refill() {
	for {
		conn, err := d.dial()
		if err == nil {
			d.conns <- conn
			return
		}
		log.Errorf("mysql refill err: %v", err)
		time.Sleep(5 * time.Second)
	}
}

type execResult struct {
	r   *mysql.Result
	err error
}

// exec runs one statement with the statement timeout. On timeout the
// connection is abandoned so the in-flight query cannot poison the
// pool.
func (d *DB) exec(ctx context.Context, query string, args ...interface{}) (*mysql.Result, error) {
	conn, err := d.get(ctx)
	if err != nil {
		return nil, err
	}
	r, err := d.execOn(conn, query, args...)
	return r, err
}

func (d *DB) execOn(conn *client.Conn, query string, args ...interface{}) (*mysql.Result, error) {
	done := make(chan execResult, 1)
	go func() {
		r, err := conn.Execute(query, args...)
		done <- execResult{r: r, err: err}
	}()

	select {
	case res := <-done:
		d.put(conn, res.err != nil && !isServerError(res.err))
		if res.err != nil {
			return nil, classify("db", res.err)
		}
		return res.r, nil
	case <-time.After(statementTimeout):
		// kill the query by dropping the connection
		conn.Close()
		go func() {
			<-done
			d.put(conn, true)
		}()
		return nil, core.Errorf(core.KindTransientNetwork, "db", "statement timed out after %s", statementTimeout)
	}
}

// withTx runs fn on a single connection inside a transaction.
func (d *DB) withTx(ctx context.Context, fn func(conn *client.Conn) error) error {
	conn, err := d.get(ctx)
	if err != nil {
		return err
	}
	if err := conn.Begin(); err != nil {
		d.put(conn, true)
		return classify("db", err)
	}
	if err := fn(conn); err != nil {
		if rerr := conn.Rollback(); rerr != nil {
			d.put(conn, true)
			return err
		}
		d.put(conn, false)
		return err
	}
	if err := conn.Commit(); err != nil {
		d.put(conn, true)
		return classify("db", err)
	}
	d.put(conn, false)
	return nil
}

// Ping verifies connectivity on one pooled connection.
func (d *DB) Ping(ctx context.Context) error {
	_, err := d.exec(ctx, "SELECT 1")
	return err
}

// CheckTriggers verifies the sync triggers exist for every synced
// table. A table whose triggers are missing produces no queue rows, so
// --test must fail loudly instead.
func (d *DB) CheckTriggers(ctx context.Context, tables []string) error {
	for _, t := range tables {
		r, err := d.exec(ctx,
			"SELECT COUNT(*) FROM information_schema.triggers WHERE trigger_schema = ? AND event_object_table = ?",
			d.database, t)
		if err != nil {
			return err
		}
		n, err := r.GetInt(0, 0)
		if err != nil {
			return classify("db", err)
		}
		if n < 3 {
			return core.Errorf(core.KindFatal, "db",
				"table %q has %d triggers, expected insert/update/delete sync triggers", t, n)
		}
	}
	return nil
}

// Close drains and closes every pooled connection.
func (d *DB) Close() {
	for {
		select {
		case conn := <-d.conns:
			conn.Close()
		default:
			return
		}
	}
}

// isServerError reports whether err is a MySQL-level error (the
// connection itself is still usable).
func isServerError(err error) bool {
	_, ok := errors.Cause(err).(*mysql.MyError)
	return ok
}

// classify converts a driver error into the engine taxonomy.
func classify(op string, err error) error {
	if my, ok := errors.Cause(err).(*mysql.MyError); ok {
		switch my.Code {
		case mysql.ER_DUP_ENTRY:
			return core.NewError(core.KindConflict, op, err)
		case mysql.ER_ACCESS_DENIED_ERROR, mysql.ER_DBACCESS_DENIED_ERROR:
			return core.NewError(core.KindFatal, op, err)
		case mysql.ER_NO_SUCH_TABLE, mysql.ER_BAD_FIELD_ERROR:
			return core.NewError(core.KindMapping, op, err)
		}
		return core.NewError(core.KindTransientNetwork, op, err)
	}
	return core.NewError(core.KindTransientNetwork, op, err)
}
