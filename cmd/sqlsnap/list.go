package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"go.sqlsnap.dev/core/snapshot"
)

const listLongDesc = `
List snapshots of index files or directories of them.

By default, a table of snapshotted databases is listed. With --frames,
every restorable frame of each database is listed instead.

Examples:

# List databases snapshotted within a directory:
sqlsnap list /backups/app

# List frames of a specific generation:
sqlsnap list --frames /backups/app/app.db-0d1f7c2e-...-9a.snapshot
`

type cmdList struct {
	Frames bool     `long:"frames" short:"f" description:"List individual frames"`
	Args   pathArgs `positional-args:"yes" required:"yes"`
}

func (cmd *cmdList) Execute([]string) error {
	startup()

	var set, failed = collect(afero.NewOsFs(), cmd.Args.Paths)

	if cmd.Frames {
		writeFramesTable(set)
	} else {
		writeSnapshotsTable(set)
	}
	if failed {
		return fmt.Errorf("failed to read some snapshot indices")
	}
	return nil
}

func writeSnapshotsTable(set snapshot.Set) {
	var table = tablewriter.NewWriter(os.Stdout)
	table.Header("Database", "Generations", "Frames", "Created", "Modified")

	for _, s := range set {
		_ = table.Append([]string{
			s.Path,
			fmt.Sprint(len(s.Generations)),
			fmt.Sprint(len(s.Frames)),
			formatTime(s.Created),
			formatTime(s.Modified),
		})
	}
	_ = table.Render()
}

func writeFramesTable(set snapshot.Set) {
	var table = tablewriter.NewWriter(os.Stdout)
	table.Header("Database", "Frame", "Timestamp", "Generation", "Chunk", "Size", "Hash")

	for _, s := range set {
		for i, f := range s.Frames {
			var size = "missing"
			if info, err := os.Stat(f.ChunkPath()); err == nil {
				size = humanize.IBytes(uint64(info.Size()))
			}
			_ = table.Append([]string{
				s.Path,
				fmt.Sprint(i),
				formatTime(f.Timestamp),
				f.Generation.IndexPath,
				fmt.Sprint(f.Index),
				size,
				f.Hash.String()[:16],
			})
		}
	}
	_ = table.Render()
}

func formatTime(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.Time(t))
}
