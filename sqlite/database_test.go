package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestTransactionCommitAndRollback(t *testing.T) {
	var d = openTestDB(t)
	var ctx = context.Background()

	require.NoError(t, d.Transaction(ctx, func(ctx context.Context) error {
		var _, err = d.Exec(ctx, "INSERT INTO kv (k, v) VALUES ('a', 1)")
		return err
	}))
	require.Equal(t, 1, countKV(t, d))

	var errFoo = errors.New("foo")
	require.Equal(t, errFoo, d.Transaction(ctx, func(ctx context.Context) error {
		var _, err = d.Exec(ctx, "INSERT INTO kv (k, v) VALUES ('b', 2)")
		require.NoError(t, err)
		return errFoo
	}))
	require.Equal(t, 1, countKV(t, d))

	require.PanicsWithValue(t, "whoops", func() {
		_ = d.Transaction(ctx, func(ctx context.Context) error {
			var _, err = d.Exec(ctx, "INSERT INTO kv (k, v) VALUES ('c', 3)")
			require.NoError(t, err)
			panic("whoops")
		})
	})
	require.Equal(t, 1, countKV(t, d))

	// The lock is released on every path.
	var stats = d.lock.Stats()
	require.Zero(t, stats.Exclusive)
	require.Zero(t, stats.Shared)
}

func TestNestedTransactionsAreReentrant(t *testing.T) {
	var d = openTestDB(t)

	require.NoError(t, d.Transaction(context.Background(), func(ctx context.Context) error {
		require.Equal(t, 1, d.lock.Stats().Exclusive)

		return d.Transaction(ctx, func(ctx context.Context) error {
			require.Equal(t, 2, d.lock.Stats().Exclusive)

			var _, err = d.Exec(ctx, "INSERT INTO kv (k, v) VALUES ('a', 1)")
			return err
		})
	}))
	require.Equal(t, 1, countKV(t, d))
	require.Zero(t, d.lock.Stats().Exclusive)

	// A failed nested transaction fails the outer one.
	require.Error(t, d.Transaction(context.Background(), func(ctx context.Context) error {
		if _, err := d.Exec(ctx, "INSERT INTO kv (k, v) VALUES ('b', 2)"); err != nil {
			return err
		}
		return d.Transaction(ctx, func(ctx context.Context) error {
			return errors.New("inner")
		})
	}))
	require.Equal(t, 1, countKV(t, d))
}

func TestConcurrentTransactionsAreSerialized(t *testing.T) {
	var d = openTestDB(t)
	var ctx = context.Background()

	var _, err = d.Exec(ctx, "INSERT INTO kv (k, v) VALUES ('counter', 0)")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j != 25; j++ {
				var err = d.Transaction(ctx, func(ctx context.Context) error {
					var v int
					if err := d.QueryRow(ctx, "SELECT v FROM kv WHERE k = 'counter'").Scan(&v); err != nil {
						return err
					}
					var _, err = d.Exec(ctx, "UPDATE kv SET v = ? WHERE k = 'counter'", v+1)
					return err
				})
				if err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	var v int
	require.NoError(t, d.QueryRow(ctx, "SELECT v FROM kv WHERE k = 'counter'").Scan(&v))
	require.Equal(t, 200, v)
}

func TestPrepareHoldsSharedLockForWrites(t *testing.T) {
	var d = openTestDB(t)
	var ctx = context.Background()

	var read, err = d.Prepare(ctx, "SELECT v FROM kv WHERE k = ?")
	require.NoError(t, err)
	require.True(t, read.Readonly())
	require.Zero(t, d.lock.Stats().Shared)

	write, err := d.Prepare(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)")
	require.NoError(t, err)
	require.False(t, write.Readonly())
	require.Equal(t, 1, d.lock.Stats().Shared)

	_, err = write.Exec(ctx, "a", 42)
	require.NoError(t, err)

	var v int
	require.NoError(t, read.QueryRow(ctx, "a").Scan(&v))
	require.Equal(t, 42, v)
	require.Equal(t, sql.ErrNoRows, read.QueryRow(ctx, "missing").Scan(&v))

	require.NoError(t, write.Close())
	require.Zero(t, d.lock.Stats().Shared)
	require.NoError(t, read.Close())

	// Closing twice is a programming error.
	require.Panics(t, func() { _ = write.Close() })

	// While serialization is forced, read-only statements also take the lock.
	d.forceSerialize.Store(true)
	read, err = d.Prepare(ctx, "SELECT COUNT(*) FROM kv")
	require.NoError(t, err)
	require.Equal(t, 1, d.lock.Stats().Shared)
	require.NoError(t, read.Close())
	require.Zero(t, d.lock.Stats().Shared)
	d.forceSerialize.Store(false)

	// Invalid statements fail to prepare, without holding the lock.
	_, err = d.Prepare(ctx, "INSERT INTO missing VALUES (1)")
	require.Error(t, err)
	require.Zero(t, d.lock.Stats().Shared)
}

func TestQueryRowsAndScanning(t *testing.T) {
	var d = openTestDB(t)
	var ctx = context.Background()

	for i, k := range []string{"a", "b", "c"} {
		var _, err = d.Exec(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", k, i)
		require.NoError(t, err)
	}

	var rows, err = d.Query(ctx, "SELECT k, v FROM kv ORDER BY k")
	require.NoError(t, err)

	var keys []string
	var sum int
	for rows.Next() {
		var k string
		var v int
		require.NoError(t, rows.Scan(&k, &v))
		keys, sum = append(keys, k), sum+v
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	require.NoError(t, rows.Close()) // Idempotent.

	require.Equal(t, []string{"a", "b", "c"}, keys)
	require.Equal(t, 3, sum)

	_, err = d.Query(ctx, "SELECT nope FROM kv")
	require.Error(t, err)
	require.Error(t, d.QueryRow(ctx, "SELECT nope FROM kv").Scan(&sum))
}

func TestCheckpointWithoutSnapshot(t *testing.T) {
	var d = openTestDB(t)
	var ctx = context.Background()

	var _, err = d.Exec(ctx, "INSERT INTO kv (k, v) VALUES ('a', 1)")
	require.NoError(t, err)
	require.NotZero(t, walSize(t, d))

	require.NoError(t, d.Checkpoint(ctx, false))
	require.Zero(t, walSize(t, d))

	// Within an open transaction, the checkpoint is busy and skipped.
	require.NoError(t, d.Transaction(ctx, func(ctx context.Context) error {
		if _, err := d.Exec(ctx, "INSERT INTO kv (k, v) VALUES ('b', 2)"); err != nil {
			return err
		}
		return d.Checkpoint(ctx, false)
	}))
	require.NotZero(t, walSize(t, d))

	// An open reader may also make the checkpoint busy. Either way, it
	// doesn't fail, and succeeds once the reader is closed.
	rows, err := d.Query(ctx, "SELECT k FROM kv")
	require.NoError(t, err)
	require.True(t, rows.Next())
	require.NoError(t, d.Checkpoint(ctx, false))
	require.NoError(t, rows.Close())

	require.NoError(t, d.Checkpoint(ctx, false))
	require.Zero(t, walSize(t, d))
	require.Equal(t, 2, countKV(t, d))
}

func TestOpenErrors(t *testing.T) {
	var _, err = Open(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	require.Error(t, err)
}

func openTestDB(t *testing.T) *Database {
	var d, err = Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })

	_, err = d.Exec(context.Background(), "CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER)")
	require.NoError(t, err)
	// Fold the table into the database file, so that it's part of every full image.
	require.NoError(t, d.Checkpoint(context.Background(), false))
	return d
}

func countKV(t *testing.T, d *Database) int {
	var n int
	require.NoError(t, d.QueryRow(context.Background(), "SELECT COUNT(*) FROM kv").Scan(&n))
	return n
}

func walSize(t *testing.T, d *Database) int64 {
	var info, err = os.Stat(d.Path() + "-wal")
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return info.Size()
}
