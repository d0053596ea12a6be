package sqlite

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.sqlsnap.dev/core/codecs"
	"go.sqlsnap.dev/core/fairlock"
	"go.sqlsnap.dev/core/metrics"
	"go.sqlsnap.dev/core/snapshot"
)

// CheckpointBackoff is the initial delay between attempts of a snapshot
// checkpoint which is busy. The delay doubles with each attempt, up to
// MaxCheckpointBackoff. It's a variable to facilitate testing.
var (
	CheckpointBackoff    = 10 * time.Millisecond
	MaxCheckpointBackoff = time.Second
)

var (
	// ErrSnapshotAttached is returned by AttachSnapshot if the Database
	// already has an attached snapshot engine.
	ErrSnapshotAttached = errors.New("a snapshot is already attached")
	// ErrCheckpointInTransaction is returned by Checkpoint of a Database
	// with an attached snapshot, if called within an open transaction.
	ErrCheckpointInTransaction = errors.New("cannot checkpoint a snapshot within a transaction")
)

// SnapshotConfig configures a snapshot engine.
type SnapshotConfig struct {
	// Dir into which snapshot index and chunk files are written.
	Dir string
	// FullDelay after which a Checkpoint begins a new generation.
	FullDelay time.Duration
	// Codec of written chunks.
	Codec codecs.Codec
	// PollInterval, if non-zero, is an interval at which the WAL is drained
	// even absent a signal of a WAL write.
	PollInterval time.Duration
}

// AttachSnapshot attaches a snapshot engine writing to |dir|, which begins
// a new generation after |fullDelay|, with ZSTANDARD chunks.
func (d *Database) AttachSnapshot(dir string, fullDelay time.Duration) error {
	return d.AttachSnapshotConfig(SnapshotConfig{
		Dir:       dir,
		FullDelay: fullDelay,
		Codec:     codecs.Zstandard,
	})
}

// AttachSnapshotConfig attaches a snapshot engine of the SnapshotConfig.
// Capture begins with the first call to Checkpoint.
func (d *Database) AttachSnapshotConfig(cfg SnapshotConfig) error {
	var owner = fairlock.NewOwner()
	d.lockExclusive(owner)
	defer d.lock.UnlockExclusive(owner)

	if d.engine.Load() != nil {
		return ErrSnapshotAttached
	} else if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return errors.WithMessage(err, "creating snapshot directory")
	}

	var dirLock, err = snapshot.LockDir(cfg.Dir, filepath.Base(d.path))
	if err != nil {
		return err
	}

	var e = &engine{
		db:       d,
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		dirLock:  dirLock,
		signalCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go e.serveTail()
	d.engine.Store(e)

	log.WithFields(log.Fields{
		"db":        d.path,
		"dir":       cfg.Dir,
		"fullDelay": cfg.FullDelay,
		"codec":     cfg.Codec,
	}).Info("attached snapshot")

	return nil
}

// DetachSnapshot stops an attached snapshot engine. Committed WAL content is
// drained into the open chunk, which is left without a frame: it's restorable
// only after a following Checkpoint of a re-attached engine, which begins a
// new generation. DetachSnapshot is a no-op if no engine is attached.
func (d *Database) DetachSnapshot() error {
	var owner = fairlock.NewOwner()
	d.lockExclusive(owner)
	defer d.lock.UnlockExclusive(owner)

	var e = d.engine.Swap(nil)
	if e == nil {
		return nil
	}
	return e.stop()
}

// engine captures a Database into generations of snapshot files.
type engine struct {
	db      *Database
	cfg     SnapshotConfig
	fs      afero.Fs
	dirLock *snapshot.DirLock

	// Guards fields below. While |checkpointing|, they're owned by the
	// checkpointing goroutine.
	mu            sync.Mutex
	checkpointing bool
	forceFull     bool                  // Next checkpoint must begin a new generation.
	broken        bool                  // The current generation can't be extended.
	lastFull      time.Time             // Time of the current generation's full image.
	index         *snapshot.IndexWriter // Index of the current generation, or nil.
	chunk         *snapshot.ChunkWriter // Open, unframed chunk, or nil.
	walOffset     int64                 // Offset through which the WAL is captured.
	walHeader     walHeader             // Header of the WAL, if |walOffset| != 0.

	signalCh chan struct{} // Signalled on WAL writes.
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func (e *engine) notify() {
	select {
	case e.signalCh <- struct{}{}:
	default: // Already signalled.
	}
}

// serveTail drains the WAL into the open chunk upon signals,
// until the engine is stopped.
func (e *engine) serveTail() {
	defer close(e.doneCh)

	var tickCh <-chan time.Time
	if e.cfg.PollInterval > 0 {
		var ticker = time.NewTicker(e.cfg.PollInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.signalCh:
		case <-tickCh:
		}

		e.mu.Lock()
		if !e.checkpointing && e.index != nil && !e.broken {
			if err := e.drain(); err != nil {
				log.WithFields(log.Fields{"db": e.db.path, "err": err}).
					Warn("failed to drain WAL; next checkpoint will resync")
				metrics.TailFailuresTotal.Inc()
				e.broken, e.forceFull = true, true
			}
		}
		e.mu.Unlock()
	}
}

// stop the tailing goroutine, drain remaining committed WAL content, and
// close files of the current generation.
func (e *engine) stop() error {
	close(e.stopCh)
	<-e.doneCh

	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.index != nil && !e.broken {
		err = e.drain()
	}
	e.abandon()

	if uerr := e.dirLock.Unlock(); err == nil {
		err = uerr
	}
	log.WithFields(log.Fields{"db": e.db.path, "dir": e.cfg.Dir}).Info("detached snapshot")
	return err
}

// checkpoint captures committed WAL content into the open chunk, truncates
// the WAL, and appends a frame of the chunk to the generation's index.
// A new generation is begun first if |restart| or if otherwise required.
func (e *engine) checkpoint(ctx context.Context, restart bool) (err error) {
	var owner fairlock.Owner
	ctx, owner = withOwner(ctx)
	e.db.lockExclusive(owner)
	defer e.db.lock.UnlockExclusive(owner)

	if open, terr := e.db.inTransaction(); terr != nil {
		return terr
	} else if open {
		return ErrCheckpointInTransaction
	}

	var started = time.Now()
	e.mu.Lock()
	e.checkpointing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.checkpointing = false
		if err != nil {
			e.forceFull = true
		}
		e.mu.Unlock()

		if err != nil {
			metrics.CheckpointsTotal.WithLabelValues(metrics.Fail).Inc()
			log.WithFields(log.Fields{"db": e.db.path, "err": err}).
				Error("snapshot checkpoint failed; next checkpoint will resync")
		} else {
			metrics.CheckpointsTotal.WithLabelValues(metrics.Ok).Inc()
			metrics.CheckpointDurationSeconds.Observe(time.Since(started).Seconds())
		}
	}()

	if restart || e.forceFull || e.broken || e.index == nil ||
		time.Since(e.lastFull) >= e.cfg.FullDelay {

		if err = e.resync(); err != nil {
			return errors.WithMessage(err, "resync")
		}
	}
	if err = e.drain(); err != nil {
		return errors.WithMessage(err, "drain")
	} else if err = e.truncate(ctx); err != nil {
		return errors.WithMessage(err, "truncate")
	} else if err = e.rotate(); err != nil {
		return errors.WithMessage(err, "rotate")
	}
	return nil
}

// resync abandons the current generation, and begins a new one with a full
// image of the database file.
func (e *engine) resync() error {
	e.abandon()

	var index, err = snapshot.CreateIndex(e.fs,
		filepath.Join(e.cfg.Dir, snapshot.NewIndexName(e.db.path)), e.db.path)
	if err != nil {
		return err
	}
	chunk, err := snapshot.CreateChunk(e.fs, index.ChunkPath(0), e.cfg.Codec)
	if err != nil {
		_ = index.Close()
		return err
	}

	src, err := e.fs.Open(e.db.path)
	if err == nil {
		_, err = io.Copy(chunk, src)
		_ = src.Close()
	}
	sum, cerr := chunk.Close()
	if err == nil {
		err = cerr
	}

	var ts time.Time
	if err == nil {
		ts, err = index.Append(time.Now(), sum)
	}
	if err != nil {
		_ = index.Close()
		return errors.WithMessage(err, "capturing database image")
	}

	e.index, e.lastFull = index, time.Now()
	e.walOffset, e.walHeader = 0, walHeader{}
	e.forceFull, e.broken = false, false

	metrics.SnapshotResyncsTotal.Inc()
	metrics.SnapshotFramesTotal.Inc()
	metrics.SnapshotBytesTotal.WithLabelValues(metrics.Full).Add(float64(chunk.Len()))

	log.WithFields(log.Fields{
		"db":        e.db.path,
		"index":     index.Path(),
		"size":      humanize.Bytes(uint64(chunk.Len())),
		"timestamp": ts,
	}).Info("began snapshot generation")

	return nil
}

// drain copies committed WAL content beyond |walOffset| into the open chunk,
// creating it if required.
func (e *engine) drain() error {
	var f, err = e.fs.Open(e.db.path + "-wal")
	if os.IsNotExist(err) && e.walOffset == 0 {
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	} else if info.Size() == e.walOffset {
		return nil
	}

	end, hdr, err := scanWAL(f, e.walOffset, info.Size(), e.walHeader)
	if err != nil {
		return err
	} else if end == e.walOffset {
		return nil
	}

	if e.chunk == nil {
		if e.chunk, err = snapshot.CreateChunk(e.fs,
			e.index.ChunkPath(e.index.Frames()), e.cfg.Codec); err != nil {
			return err
		}
	}
	if _, err = io.Copy(e.chunk, io.NewSectionReader(f, e.walOffset, end-e.walOffset)); err != nil {
		return errors.WithMessage(err, "copying WAL")
	}

	log.WithFields(log.Fields{
		"db":    e.db.path,
		"chunk": e.chunk.Path(),
		"from":  e.walOffset,
		"to":    end,
	}).Debug("drained WAL")

	metrics.SnapshotBytesTotal.WithLabelValues(metrics.WAL).Add(float64(end - e.walOffset))
	e.walOffset, e.walHeader = end, hdr

	return nil
}

// truncate the WAL, retrying with backoff while the database is busy. While
// retrying, read-only statements are forced to take the shared lock, so that
// readers drain away and can't begin anew.
func (e *engine) truncate(ctx context.Context) error {
	var backoff = CheckpointBackoff

	for attempt := 0; ; attempt++ {
		var busy, err = e.db.truncateWAL()
		if err != nil {
			return err
		} else if !busy {
			return nil
		}

		if attempt == 0 {
			e.db.forceSerialize.Store(true)
			defer e.db.forceSerialize.Store(false)
		}
		metrics.CheckpointBusyRetriesTotal.Inc()
		log.WithFields(log.Fields{"db": e.db.path, "attempt": attempt, "backoff": backoff}).
			Warn("database is busy; retrying checkpoint")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > MaxCheckpointBackoff {
			backoff = MaxCheckpointBackoff
		}
	}
}

// rotate closes the open chunk, if any, and appends its frame to the index.
// The WAL has been truncated, and capture begins again at its start.
func (e *engine) rotate() error {
	e.walOffset, e.walHeader = 0, walHeader{}

	if e.chunk == nil {
		return nil // Nothing was captured.
	}
	var chunk = e.chunk
	e.chunk = nil

	var sum, err = chunk.Close()
	if err != nil {
		return err
	}
	ts, err := e.index.Append(time.Now(), sum)
	if err != nil {
		return err
	}
	metrics.SnapshotFramesTotal.Inc()

	log.WithFields(log.Fields{
		"db":        e.db.path,
		"chunk":     chunk.Path(),
		"size":      humanize.Bytes(uint64(chunk.Len())),
		"timestamp": ts,
	}).Info("rotated snapshot chunk")

	return nil
}

// abandon closes files of the current generation. An open chunk is left
// without a frame.
func (e *engine) abandon() {
	if e.chunk != nil {
		if _, err := e.chunk.Close(); err != nil {
			log.WithFields(log.Fields{"chunk": e.chunk.Path(), "err": err}).
				Warn("failed to close abandoned chunk")
		}
		e.chunk = nil
	}
	if e.index != nil {
		if err := e.index.Close(); err != nil {
			log.WithFields(log.Fields{"index": e.index.Path(), "err": err}).
				Warn("failed to close index")
		}
		e.index = nil
	}
}
