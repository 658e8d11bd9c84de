package cli

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

// A Verbosity is a logging level that parses from either a level name or a
// number on the command line.
type Verbosity logging.Level

// UnmarshalFlag implements flag parsing for verbosity levels.
func (v *Verbosity) UnmarshalFlag(in string) error {
	switch strings.ToLower(in) {
	case "0", "error":
		*v = Verbosity(logging.ERROR)
	case "1", "warning", "warn":
		*v = Verbosity(logging.WARNING)
	case "2", "notice":
		*v = Verbosity(logging.NOTICE)
	case "3", "info":
		*v = Verbosity(logging.INFO)
	case "4", "debug":
		*v = Verbosity(logging.DEBUG)
	default:
		return fmt.Errorf("invalid verbosity %q", in)
	}
	return nil
}

// InitLogging sets up logging to stderr at the given verbosity.
func InitLogging(verbosity Verbosity) {
	backend := logging.NewBackendFormatter(
		logging.NewLogBackend(os.Stderr, "", 0),
		logging.MustStringFormatter("%{time:15:04:05.000} %{level:7s}: %{message}"),
	)
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(logging.Level(verbosity), "")
	logging.SetBackend(leveled)
}
