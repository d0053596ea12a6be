package snapshot

import (
	"database/sql"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.sqlsnap.dev/core/metrics"

	_ "github.com/mattn/go-sqlite3" // Registers the "sqlite3" driver.
)

var (
	// ErrDestinationExists is returned by Restore when the destination
	// exists, and overwrite was not requested.
	ErrDestinationExists = errors.New("restore destination already exists")
	// ErrWALNotReplayed is returned by Restore if SQLite didn't fold a
	// restored write-ahead log into the database.
	ErrWALNotReplayed = errors.New("write-ahead log was not replayed")
)

// Restore the database of Snapshot |s| to |dest|, as of s.Frames[frame].
// If |dest| exists, it's replaced only if |overwrite| is set. Chunks are
// verified against their frame hashes and restored into a staging directory
// alongside |dest|, which replaces |dest| only once the restore completes.
// On error, |dest| is left as it was.
func Restore(s *Snapshot, frame int, dest string, overwrite bool) (err error) {
	if frame < 0 || frame >= len(s.Frames) {
		return errors.Errorf("frame %d out of range [0, %d)", frame, len(s.Frames))
	}
	var target = s.Frames[frame]

	if _, err = os.Stat(dest); err == nil && !overwrite {
		return errors.WithMessage(ErrDestinationExists, dest)
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}

	stage, err := os.MkdirTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".restore-")
	if err != nil {
		return errors.WithMessage(err, "creating staging directory")
	}
	var staged = filepath.Join(stage, filepath.Base(dest))

	defer func() {
		if rerr := os.RemoveAll(stage); rerr != nil {
			log.WithFields(log.Fields{"err": rerr, "path": stage}).
				Warn("failed to remove restore staging directory")
		}
		if err != nil {
			metrics.RestoresTotal.WithLabelValues(metrics.Fail).Inc()
		} else {
			metrics.RestoresTotal.WithLabelValues(metrics.Ok).Inc()
		}
	}()

	var gen = target.Generation
	for k := int64(0); k <= target.Index; k++ {
		var path = staged
		if k != 0 {
			path = staged + "-wal"
		}
		if err = restoreChunk(gen.Frames[k], path); err != nil {
			return err
		}
		metrics.RestoredChunksTotal.Inc()

		if k != 0 {
			if err = replayWAL(staged); err != nil {
				return errors.WithMessagef(err, "replaying chunk %d", k)
			}
		}
		log.WithFields(log.Fields{
			"db":    s.Path,
			"chunk": gen.Frames[k].ChunkPath(),
			"dest":  dest,
		}).Debug("restored chunk")
	}

	if err = replaceDestination(staged, dest); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"db":        s.Path,
		"index":     gen.IndexPath,
		"frame":     target.Index,
		"timestamp": target.Timestamp,
		"dest":      dest,
	}).Info("restored snapshot")

	return nil
}

// Verify re-reads every framed chunk of every Generation of the Snapshot,
// returning an error if any fails to match its frame hash.
func Verify(s *Snapshot) error {
	for _, gen := range s.Generations {
		for _, frame := range gen.Frames {
			var r, err = frame.Open()
			if err != nil {
				return err
			}
			_, err = io.Copy(io.Discard, r)
			if cerr := r.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// restoreChunk writes the verified content of the |frame| chunk to |path|.
func restoreChunk(frame Frame, path string) error {
	var r, err = frame.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, r); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// replayWAL opens the database at |dest| to fold its restored "-wal" file
// into the database. Closing the last connection of a database checkpoints
// and removes its write-ahead log.
func replayWAL(dest string) error {
	var db, err = sql.Open("sqlite3", dest)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)

	var n int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master").Scan(&n)
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if _, err = os.Stat(dest + "-wal"); err == nil {
		return ErrWALNotReplayed
	} else if !os.IsNotExist(err) {
		return err
	}
	if err = os.Remove(dest + "-shm"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// replaceDestination removes a "-wal" or "-shm" file left by a previous
// database at |dest|, and atomically renames the |staged| database over it.
func replaceDestination(staged, dest string) error {
	for _, p := range []string{dest + "-wal", dest + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.WithMessage(err, "removing existing destination")
		}
	}
	if err := atomic.ReplaceFile(staged, dest); err != nil {
		return errors.WithMessage(err, "replacing destination")
	}
	return nil
}
