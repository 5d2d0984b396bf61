// Package main implements a command line tool to query the WattTime grid emissions API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
)

var verbose = flag.Bool("v", false, "print debug logs on standard error")

func init() {
	subcommands.Register(&registerCmd{}, "account")
	subcommands.Register(&loginCmd{}, "account")
	subcommands.Register(&indexCmd{}, "query")
	subcommands.Register(&dataCmd{}, "query")
	subcommands.Register(&forecastCmd{}, "query")
	subcommands.Register(&historicalCmd{}, "query")
	subcommands.Register(&runCmd{}, "")
	subcommands.Register(&uploadCmd{}, "")
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	baseExplain := subcommands.DefaultCommander.Explain
	subcommands.DefaultCommander.Explain = func(w io.Writer) {
		fmt.Fprint(w, "Query marginal emissions data from WattTime and (optionally) upload the forecast to Home Assistant.\n\n")
		baseExplain(w)
	}
}

func main() {
	flag.Parse()

	// Real environment variables win over the .env file.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARNING: cannot load .env file: %v\n", err)
	}

	log := newLogger(os.Stderr, *verbose)
	s := subcommands.Execute(context.Background(), log)
	os.Exit(int(s))
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// loggerFrom returns the logger passed to subcommands.Execute.
func loggerFrom(args []interface{}) *slog.Logger {
	for _, a := range args {
		if l, ok := a.(*slog.Logger); ok {
			return l
		}
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// envNames returns the environment variables checked, in order, for a flag.
func envNames(flagName string) []string {
	switch {
	case flagName == "password":
		return []string{"WATTTIME_PASS", "WATTTIME_PASSWORD"}
	case strings.HasPrefix(flagName, "ha_"):
		return []string{strings.ToUpper(flagName)}
	default:
		return []string{"WATTTIME_" + strings.ToUpper(flagName)}
	}
}

// flagsFromEnv sets the flags not provided on the command line from the
// environment, see envNames. Defaults are overridden too.
func flagsFromEnv(f *flag.FlagSet, lookup func(string) (string, bool)) error {
	provided := map[string]bool{}
	f.Visit(func(f *flag.Flag) { provided[f.Name] = true })

	var err error
	f.VisitAll(func(fl *flag.Flag) {
		if provided[fl.Name] || err != nil {
			return
		}
		for _, name := range envNames(fl.Name) {
			v, ok := lookup(name)
			if !ok || v == "" {
				continue
			}
			if serr := fl.Value.Set(v); serr != nil {
				err = fmt.Errorf("invalid value %q for %s: %w", v, name, serr)
			}
			return
		}
	})
	return err
}

// ensureFlagsAreSet loads the environment and returns an error listing the
// required flags which are still empty.
func ensureFlagsAreSet(f *flag.FlagSet, required ...string) error {
	if err := flagsFromEnv(f, os.LookupEnv); err != nil {
		return err
	}
	var missing []string
	for _, name := range required {
		if fl := f.Lookup(name); fl != nil && fl.Value.String() == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("the following flags are missing: %s", strings.Join(missing, ", "))
	}
	return nil
}
