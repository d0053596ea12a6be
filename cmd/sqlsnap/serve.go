package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"go.sqlsnap.dev/core/codecs"
	mbp "go.sqlsnap.dev/core/mainboilerplate"
	"go.sqlsnap.dev/core/metrics"
	"go.sqlsnap.dev/core/sqlite"
	"go.sqlsnap.dev/core/task"
)

const serveLongDesc = `
Open a SQLite database in WAL mode, attach a snapshot of it to a directory,
and checkpoint the snapshot at a regular --snapshot.interval until signaled
to exit. A new generation, beginning with a full image of the database, is
started every --snapshot.full-delay.

The database remains open for use by other connections. However, only
checkpoints of this process are captured: other connections must not
checkpoint the database.

Examples:

# Snapshot a database every thirty seconds, with a full image daily:
sqlsnap serve --db /var/lib/app/app.db --snapshot.dir /backups/app \
  --snapshot.interval 30s --snapshot.full-delay 24h
`

type cmdServe struct {
	DB       string `long:"db" env:"SQLSNAP_DB" required:"true" description:"Path of the SQLite database"`
	Snapshot struct {
		Dir          string        `long:"dir" env:"DIR" required:"true" description:"Directory into which snapshots are written"`
		FullDelay    time.Duration `long:"full-delay" env:"FULL_DELAY" default:"1h" description:"Delay after which a new generation is begun"`
		Interval     time.Duration `long:"interval" env:"INTERVAL" default:"1m" description:"Interval between snapshot checkpoints"`
		PollInterval time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"1s" description:"Interval at which the WAL is polled for writes of other connections. Zero disables"`
		Codec        codecs.Codec  `long:"codec" env:"CODEC" default:"ZSTANDARD" description:"Compression codec of snapshot chunks (NONE, GZIP, SNAPPY, ZSTANDARD)"`
	} `group:"Snapshot" namespace:"snapshot" env-namespace:"SQLSNAP_SNAPSHOT"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"SQLSNAP_DEBUG"`
}

func (cmd *cmdServe) Execute([]string) error {
	startup()
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics, metrics.DatabaseCollectors()...)()

	var db, err = sqlite.Open(cmd.DB)
	mbp.Must(err, "failed to open database", "db", cmd.DB)

	mbp.Must(db.AttachSnapshotConfig(sqlite.SnapshotConfig{
		Dir:          cmd.Snapshot.Dir,
		FullDelay:    cmd.Snapshot.FullDelay,
		Codec:        cmd.Snapshot.Codec,
		PollInterval: cmd.Snapshot.PollInterval,
	}), "failed to attach snapshot", "dir", cmd.Snapshot.Dir)

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Begin the first generation immediately.
	if err = db.Checkpoint(ctx, false); err != nil {
		log.WithField("err", err).Error("initial checkpoint failed")
	}

	var tasks = task.NewGroup(ctx)
	tasks.QueuePeriodic("checkpoint", cmd.Snapshot.Interval, func(ctx context.Context) error {
		return db.Checkpoint(ctx, false)
	})
	tasks.GoRun()

	log.WithFields(log.Fields{
		"db":       db.Path(),
		"dir":      cmd.Snapshot.Dir,
		"interval": cmd.Snapshot.Interval,
	}).Info("serving snapshots")

	if err = tasks.Wait(); err != nil {
		log.WithField("err", err).Error("task failed")
	}
	log.Info("stopping; taking a final checkpoint")

	// The signal context is done. Bound the final checkpoint by a fresh one.
	var finalCtx, finalCancel = context.WithTimeout(context.Background(), time.Minute)
	defer finalCancel()

	var final = db.Checkpoint(finalCtx, false)
	if final != nil {
		log.WithField("err", final).Error("final checkpoint failed")
	}
	if cerr := db.Close(); cerr != nil {
		log.WithField("err", cerr).Error("failed to close database")
		os.Exit(1)
	} else if final != nil || err != nil {
		os.Exit(1)
	}
	return nil
}
