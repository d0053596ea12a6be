package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.sqlsnap.dev/core/fairlock"
	"go.sqlsnap.dev/core/metrics"
)

// Options of an opened Database.
type Options struct {
	// BusyTimeout is the time SQLite waits on locks of other connections.
	BusyTimeout time.Duration
}

// DefaultOptions are used by Open.
var DefaultOptions = Options{BusyTimeout: 5 * time.Second}

// Database is a SQLite database connection guarded by a fairlock.Lock.
type Database struct {
	path string
	db   *sql.DB
	conn *sql.Conn

	lock fairlock.Lock
	// Set while a checkpoint is stalled by busy readers, to force
	// read-only statements to take the shared lock.
	forceSerialize atomic.Bool
	engine         atomic.Pointer[engine]
}

// Open the database at |path| with DefaultOptions.
func Open(path string) (*Database, error) { return OpenOptions(path, DefaultOptions) }

// OpenOptions opens the database at |path| in WAL mode, creating it if required.
func OpenOptions(path string, opts Options) (*Database, error) {
	var abs, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var dsn = fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_txlock=immediate&_busy_timeout=%d",
		abs, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WithMessage(err, "sql.Open")
	}
	db.SetMaxOpenConns(1)

	var d = &Database{path: abs, db: db}
	if err = d.init(); err != nil {
		_ = db.Close()
		return nil, errors.WithMessagef(err, "opening %s", abs)
	}
	return d, nil
}

func (d *Database) init() (err error) {
	var ctx = context.Background()

	if d.conn, err = d.db.Conn(ctx); err != nil {
		return err
	}

	var mode string
	if err = d.conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return err
	} else if !strings.EqualFold(mode, "wal") {
		return errors.Errorf("database journal_mode is %q, not WAL", mode)
	}
	if _, err = d.conn.ExecContext(ctx, "PRAGMA wal_autocheckpoint=0"); err != nil {
		return err
	}

	return d.conn.Raw(func(dc interface{}) error {
		dc.(*sqlite3.SQLiteConn).RegisterCommitHook(func() int {
			d.signal()
			return 0
		})
		return nil
	})
}

// Path returns the absolute path of the database file.
func (d *Database) Path() string { return d.path }

// Close the Database, first detaching a snapshot engine if one is attached.
func (d *Database) Close() error {
	var err = d.DetachSnapshot()

	var owner = fairlock.NewOwner()
	d.lockExclusive(owner)
	defer d.lock.UnlockExclusive(owner)

	if cerr := d.conn.Close(); err == nil {
		err = cerr
	}
	if cerr := d.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Exec executes |query| while holding the shared lock.
func (d *Database) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	d.lockShared(ownerOf(ctx))
	var res, err = d.conn.ExecContext(ctx, query, args...)
	d.lock.UnlockShared()

	d.signal()
	return res, err
}

// Prepare a statement of |query|. Statements which may write, and all
// statements while a checkpoint is stalled by busy readers, hold the shared
// lock until closed. The returned Stmt must be closed exactly once.
func (d *Database) Prepare(ctx context.Context, query string) (*Stmt, error) {
	var readonly, err = d.readonly(query)
	if err != nil {
		return nil, err
	}

	var s = &Stmt{db: d, readonly: readonly}
	if !readonly || d.forceSerialize.Load() {
		d.lockShared(ownerOf(ctx))
		s.locked = true
	}

	if s.stmt, err = d.conn.PrepareContext(ctx, query); err != nil {
		if s.locked {
			d.lock.UnlockShared()
		}
		return nil, err
	}
	return s, nil
}

// Query prepares and runs |query|. The statement is closed with the returned Rows.
func (d *Database) Query(ctx context.Context, query string, args ...interface{}) (*Rows, error) {
	var s, err = d.Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := s.Query(ctx, args...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	rows.ownsStmt = true
	return rows, nil
}

// QueryRow prepares and runs |query|, which is expected to return a single row.
func (d *Database) QueryRow(ctx context.Context, query string, args ...interface{}) *Row {
	var rows, err = d.Query(ctx, query, args...)
	return &Row{rows: rows, err: err}
}

// Transaction runs |fn| under the exclusive lock within a transaction,
// which is committed if |fn| returns nil and is otherwise rolled back
// (including if |fn| panics). A Transaction invoked with the context passed
// to |fn| is nested within the outer transaction, and simply runs its |fn|.
func (d *Database) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	var owner fairlock.Owner
	ctx, owner = withOwner(ctx)

	if d.lockExclusive(owner) {
		defer d.lock.UnlockExclusive(owner)
		return fn(ctx)
	}
	defer d.lock.UnlockExclusive(owner)

	// Transaction control statements use a background context, as
	// cancellation of |ctx| must not prevent a ROLLBACK.
	var bg = context.Background()

	if _, err = d.conn.ExecContext(bg, "BEGIN IMMEDIATE"); err != nil {
		return errors.WithMessage(err, "BEGIN IMMEDIATE")
	}
	var done bool
	defer func() {
		if done {
			return
		}
		if _, rerr := d.conn.ExecContext(bg, "ROLLBACK"); rerr != nil {
			log.WithField("err", rerr).Warn("failed to roll back transaction")
		}
	}()

	if err = fn(ctx); err != nil {
		return err
	} else if _, err = d.conn.ExecContext(bg, "COMMIT"); err != nil {
		return errors.WithMessage(err, "COMMIT")
	}
	done = true

	d.signal()
	return nil
}

// Checkpoint the database. If a snapshot engine is attached, the checkpoint
// rotates (and, if |restart| or the engine otherwise requires, resyncs) its
// snapshot. Otherwise the WAL is checkpointed and truncated, and a database
// too busy to checkpoint is logged and skipped without error.
func (d *Database) Checkpoint(ctx context.Context, restart bool) error {
	var owner fairlock.Owner
	ctx, owner = withOwner(ctx)
	d.lockExclusive(owner)
	defer d.lock.UnlockExclusive(owner)

	// The engine is loaded under the lock: a concurrent DetachSnapshot
	// stops it while holding the lock.
	if e := d.engine.Load(); e != nil {
		return e.checkpoint(ctx, restart)
	}

	var busy, err = d.inTransaction()
	if err == nil && !busy {
		busy, err = d.truncateWAL()
	}

	if err != nil {
		metrics.CheckpointsTotal.WithLabelValues(metrics.Fail).Inc()
		return errors.WithMessage(err, "checkpoint")
	} else if busy {
		metrics.CheckpointsTotal.WithLabelValues(metrics.Busy).Inc()
		log.WithField("db", d.path).Warn("database is busy; skipping checkpoint")
		return nil
	}
	metrics.CheckpointsTotal.WithLabelValues(metrics.Ok).Inc()
	return nil
}

// truncateWAL runs a truncating WAL checkpoint, returning true if it
// couldn't complete because the database is busy.
func (d *Database) truncateWAL() (busy bool, err error) {
	var b, logFrames, checkpointed int
	err = d.conn.QueryRowContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)").
		Scan(&b, &logFrames, &checkpointed)

	if isBusy(err) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	return b != 0, nil
}

// inTransaction returns true if the connection has an open transaction.
func (d *Database) inTransaction() (open bool, err error) {
	err = d.conn.Raw(func(dc interface{}) error {
		open = !dc.(*sqlite3.SQLiteConn).AutoCommit()
		return nil
	})
	return
}

// readonly returns true if SQLite reports the first statement of |query|
// doesn't directly write the database.
func (d *Database) readonly(query string) (ro bool, err error) {
	err = d.conn.Raw(func(dc interface{}) error {
		var stmt, err = dc.(*sqlite3.SQLiteConn).Prepare(query)
		if err != nil {
			return err
		}
		ro = stmt.(*sqlite3.SQLiteStmt).Readonly()
		return stmt.Close()
	})
	return
}

// signal the attached engine, if any, that the WAL may have grown.
func (d *Database) signal() {
	if e := d.engine.Load(); e != nil {
		e.notify()
	}
}

func (d *Database) lockShared(owner fairlock.Owner) {
	var started = time.Now()
	d.lock.LockShared(owner)
	metrics.LockWaitSeconds.WithLabelValues(metrics.Shared).Observe(time.Since(started).Seconds())
}

func (d *Database) lockExclusive(owner fairlock.Owner) (reentrant bool) {
	var started = time.Now()
	reentrant = d.lock.LockExclusive(owner)
	metrics.LockWaitSeconds.WithLabelValues(metrics.Exclusive).Observe(time.Since(started).Seconds())
	return
}

func isBusy(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
}

type ownerKey struct{}

// withOwner returns |ctx| and its lock Owner, attaching a new Owner if
// |ctx| doesn't already carry one.
func withOwner(ctx context.Context) (context.Context, fairlock.Owner) {
	if o := ownerOf(ctx); o != 0 {
		return ctx, o
	}
	var o = fairlock.NewOwner()
	return context.WithValue(ctx, ownerKey{}, o), o
}

func ownerOf(ctx context.Context) fairlock.Owner {
	var o, _ = ctx.Value(ownerKey{}).(fairlock.Owner)
	return o
}
