package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.sqlsnap.dev/core/snapshot"
)

const verifyLongDesc = `
Verify every framed chunk of collected snapshots against its recorded hash,
without restoring them. Exits non-zero if any snapshot fails to verify.

Example:

sqlsnap verify /backups/app
`

type cmdVerify struct {
	Args pathArgs `positional-args:"yes" required:"yes"`
}

func (cmd *cmdVerify) Execute([]string) error {
	startup()

	var set, failed = collect(afero.NewOsFs(), cmd.Args.Paths)

	for _, s := range set {
		if err := snapshot.Verify(s); err != nil {
			log.WithFields(log.Fields{"db": s.Path, "err": err}).Error("snapshot failed to verify")
			failed = true
		} else {
			log.WithFields(log.Fields{
				"db":          s.Path,
				"generations": len(s.Generations),
				"frames":      len(s.Frames),
			}).Info("snapshot verified")
		}
	}
	if failed {
		return fmt.Errorf("failed to verify some snapshots")
	}
	return nil
}
