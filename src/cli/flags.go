// Package cli contains the flag-parsing and logging helpers shared by the
// server binaries in this repository.
package cli

import (
	"fmt"
	"os"
	"reflect"

	flags "github.com/thought-machine/go-flags"
)

// ParseFlagsOrDie parses the program's command-line flags into the given
// struct, printing usage and exiting on failure. It returns the name of the
// active subcommand, if there is one.
func ParseFlagsOrDie(appname string, data interface{}) string {
	parser := flags.NewNamedParser(appname, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.AddGroup(appname+" options", "", data); err != nil {
		panic(err)
	}
	// A string field named Usage on the opts struct supplies the long-form
	// usage message.
	if field := reflect.ValueOf(data).Elem().FieldByName("Usage"); field.IsValid() && field.Kind() == reflect.String {
		parser.Usage = field.String()
	}
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if parser.Active != nil {
		return parser.Active.Name
	}
	return ""
}
