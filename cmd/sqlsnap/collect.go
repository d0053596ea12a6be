package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	mbp "go.sqlsnap.dev/core/mainboilerplate"
	"go.sqlsnap.dev/core/snapshot"
)

// pathArgs are positional snapshot index files or directories.
type pathArgs struct {
	Paths []string `positional-arg-name:"PATH" required:"1" description:"Snapshot index files, or directories of them"`
}

// collect snapshots of |paths|. Index files which fail to read are logged
// and skipped. It returns the Set and whether any file failed.
func collect(fs afero.Fs, paths []string) (snapshot.Set, bool) {
	var files, err = snapshot.ExpandPaths(fs, paths)
	mbp.Must(err, "failed to expand snapshot paths")

	var set, errs = snapshot.Collect(fs, files)
	for _, err := range errs {
		log.WithField("err", err).Error("failed to read snapshot index")
	}
	if len(set) == 0 {
		log.WithField("paths", paths).Warn("no snapshots found")
	}
	return set, len(errs) != 0
}
