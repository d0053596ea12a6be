package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	mbp "go.sqlsnap.dev/core/mainboilerplate"
	"go.sqlsnap.dev/core/metrics"
	"go.sqlsnap.dev/core/snapshot"
)

const restoreLongDesc = `
Restore snapshotted databases to a point in time.

Snapshots are collected from the given index files or directories. Each
database is restored as of its latest frame, the latest frame at or before
--at, or its --frame index (as listed by "sqlsnap list --frames").

If a single database is restored, --dest is the path of the restored database.
Otherwise --dest is a directory, and each database is restored to a file of
the directory having the database's base name. A failure to restore one
database is logged, and remaining databases are still restored.

Examples:

# Restore the latest frame of a database:
sqlsnap restore --dest /tmp/app.db /backups/app

# Restore as of a point in time, replacing an existing file:
sqlsnap restore --dest /tmp/app.db --at 2024-03-01T12:00:00Z --overwrite /backups/app
`

type cmdRestore struct {
	Dest      string   `long:"dest" short:"d" required:"true" description:"Destination database path, or directory if restoring multiple databases"`
	At        string   `long:"at" description:"Restore the latest frame at or before this RFC 3339 time"`
	Frame     int      `long:"frame" default:"-1" description:"Restore this frame index. Applicable only to a single database"`
	Overwrite bool     `long:"overwrite" description:"Replace existing destination files"`
	Args      pathArgs `positional-args:"yes" required:"yes"`
}

func (cmd *cmdRestore) Execute([]string) error {
	startup()
	mbp.Must(mbp.RegisterCollectors(metrics.RestoreCollectors()...), "failed to register metrics")

	var at time.Time
	if cmd.At != "" {
		var err error
		at, err = time.Parse(time.RFC3339, cmd.At)
		mbp.Must(err, "failed to parse --at", "at", cmd.At)
	}
	if cmd.At != "" && cmd.Frame != -1 {
		return fmt.Errorf("--at and --frame are mutually exclusive")
	}

	var set, failed = collect(afero.NewOsFs(), cmd.Args.Paths)
	if cmd.Frame != -1 && len(set) > 1 {
		return fmt.Errorf("--frame requires a single database, but %d were collected", len(set))
	} else if len(set) > 1 {
		mbp.Must(os.MkdirAll(cmd.Dest, 0755), "failed to create destination directory", "dest", cmd.Dest)
	}

	for _, s := range set {
		var dest = cmd.Dest
		if len(set) > 1 {
			dest = filepath.Join(cmd.Dest, filepath.Base(s.Path))
		}
		if err := cmd.restore(s, at, dest); err != nil {
			log.WithFields(log.Fields{"db": s.Path, "dest": dest, "err": err}).Error("restore failed")
			failed = true
		}
	}

	if failed {
		return fmt.Errorf("failed to restore some snapshots")
	}
	return nil
}

func (cmd *cmdRestore) restore(s *snapshot.Snapshot, at time.Time, dest string) error {
	var frame = cmd.Frame
	if frame == -1 {
		var ok bool
		if frame, ok = s.FindFrame(at); !ok {
			return fmt.Errorf("no frame at or before %s", at.Format(time.RFC3339))
		}
	}
	if err := snapshot.Restore(s, frame, dest, cmd.Overwrite); err != nil {
		return err
	}
	fmt.Printf("%s => %s (%s)\n", s.Path, dest, s.Frames[frame].Timestamp.Format(time.RFC3339Nano))
	return nil
}
