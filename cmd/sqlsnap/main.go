package main

import (
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	mbp "go.sqlsnap.dev/core/mainboilerplate"
)

const iniFilename = "sqlsnap.ini"

var baseCfg = new(struct {
	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"SQLSNAP_LOG"`
})

func main() {
	mbp.MustParseConfig(newParser(), iniFilename)
}

func newParser() *flags.Parser {
	var parser = flags.NewParser(baseCfg, flags.Default)

	parser.LongDescription = `sqlsnap continuously snapshots SQLite databases running in WAL mode,
and restores them to points in time.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure sqlsnap with a '` + iniFilename + `' file in the current working directory,
or with '~/.config/sqlsnap/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
the tool's current configuration.
`
	mbp.AddPrintConfigCmd(parser, iniFilename)

	mustAddCmd(parser.Command, "serve", "Serve a database and continuously snapshot it", serveLongDesc, &cmdServe{})
	mustAddCmd(parser.Command, "list", "List snapshots and their frames", listLongDesc, &cmdList{})
	mustAddCmd(parser.Command, "restore", "Restore snapshots to a point in time", restoreLongDesc, &cmdRestore{})
	mustAddCmd(parser.Command, "verify", "Verify the integrity of snapshots", verifyLongDesc, &cmdVerify{})

	return parser
}

func startup() {
	mbp.InitLog(baseCfg.Log)
	log.WithFields(log.Fields{
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Debug("sqlsnap starting")
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, cfg)
	mbp.Must(err, "failed to add command")
	return cmd
}
