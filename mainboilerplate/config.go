package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// ConfigDirs returns directories searched, in order, for an INI file:
//   - The current working directory.
//   - ~/.config/sqlsnap (under the user's $HOME or %UserProfile% directory).
//   - $SQLSNAP_CONFIG_ROOT, if set.
func ConfigDirs() []string {
	var dirs = []string{
		".",
		filepath.Join(os.Getenv("HOME"), ".config", "sqlsnap"),
		filepath.Join(os.Getenv("UserProfile"), ".config", "sqlsnap"),
	}
	if root := os.Getenv("SQLSNAP_CONFIG_ROOT"); root != "" {
		dirs = append(dirs, root)
	}
	return dirs
}

// ParseConfigFile parses the first INI file named |configName| found within
// ConfigDirs into the Parser, returning its path or "" if none was found.
// Unknown options of the INI file are ignored.
func ParseConfigFile(parser *flags.Parser, configName string) (string, error) {
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown
	defer func() { parser.Options = origOptions }()

	var iniParser = flags.NewIniParser(parser)

	for _, dir := range ConfigDirs() {
		var path = filepath.Join(dir, configName)

		if err := iniParser.ParseFile(path); err == nil {
			return path, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", nil
}

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file (see ConfigDirs), configured environment bindings, and
// explicit flags.
func MustParseConfig(parser *flags.Parser, configName string) {
	if _, err := ParseConfigFile(parser, configName); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	MustParseArgs(parser)
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var flagErr, ok = err.(*flags.Error)
		if !ok {
			// A command's Execute failed, and has already logged its reasons.
			os.Exit(1)
		}

		switch flagErr.Type {
		case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
			// Developer errors of the parsed configuration struct.
			panic(err)

		case flags.ErrCommandRequired, flags.ErrHelp:
			if flagErr.Type == flags.ErrCommandRequired || parser.Options&flags.PrintErrors == 0 {
				os.Stderr.WriteString("\n")
				parser.WriteHelp(os.Stderr)
			}
			fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
			os.Exit(1)

		default:
			// Input errors, which go-flags has already printed.
			os.Exit(1)
		}
	}
}

// AddPrintConfigCmd adds a "print-config" command to the Parser, which
// writes the combined runtime configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, _ = parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
