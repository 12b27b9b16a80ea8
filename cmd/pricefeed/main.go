// Command pricefeed serves cached equity and fund prices over HTTP and runs
// the background refresh and SIP jobs. The other subcommands perform the same
// operations once from the command line.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

var configPath = flag.String("config", "pricefeed.yaml", "path to the YAML config file; a missing file falls back to defaults and environment")

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	commander.Register(&serveCmd{}, "")

	commander.Register(&priceCmd{}, "prices")
	commander.Register(&refreshCmd{}, "prices")
	commander.Register(&cacheStatsCmd{}, "prices")
	commander.Register(&cacheClearCmd{}, "prices")

	commander.Register(&sipProcessCmd{}, "sip")
	commander.Register(&sipRetryCmd{}, "sip")
	commander.Register(&sipCleanupCmd{}, "sip")
	commander.Register(&sipStatsCmd{}, "sip")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
