package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/telerelay/cmd/telerelay/ports"
	"github.com/temoto/telerelay/cmd/telerelay/serve"
	"github.com/temoto/telerelay/cmd/telerelay/subcmd"
	"github.com/temoto/telerelay/cmd/telerelay/tail"
	"github.com/temoto/telerelay/internal/config"
	"github.com/temoto/telerelay/log2"
)

var modules = []subcmd.Mod{
	serve.Mod,
	ports.Mod,
	tail.Mod,
}

func main() {
	flagConfig := flag.String("config", config.DefaultPath, "path to HCL config")
	flagDebug := flag.Bool("debug", false, "debug log level")
	flag.Usage = usage
	flag.Parse()

	const logFlagsService = log.Lshortfile
	const logFlagsInteractive = log.Lshortfile | log.Ltime | log.Lmicroseconds
	lg := log2.NewStderr(log2.LInfo)
	if subcmd.SdNotify("STATUS=starting") {
		// under systemd, journal adds timestamps
		lg.SetFlags(logFlagsService)
	} else {
		lg.SetFlags(logFlagsInteractive)
	}

	cmdName := flag.Arg(0)
	if cmdName == "" {
		cmdName = serve.Mod.Name
	}
	mod, err := subcmd.Parse(cmdName, modules)
	if err != nil {
		lg.Error(err)
		usage()
		os.Exit(2)
	}

	cfg, err := readConfig(lg, *flagConfig, isFlagSet("config"))
	if err != nil {
		lg.Fatal(errors.ErrorStack(err))
	}
	if *flagDebug || cfg.Log.Debug {
		lg.SetLevel(log2.LDebug)
	}
	lg.Debugf("config=%+v", cfg)

	var args []string
	if flag.NArg() > 1 {
		args = flag.Args()[1:]
	}
	if err := mod.Main(context.Background(), lg, cfg, args); err != nil {
		lg.Fatal(errors.ErrorStack(err))
	}
}

// readConfig allows missing default config file, explicit path must exist.
func readConfig(lg *log2.Log, path string, explicit bool) (*config.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			lg.Debugf("config path=%s not found, using defaults", path)
			return config.Default(), nil
		}
	}
	return config.ReadFile(lg, path)
}

func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "usage: %s [flags] [command] [args]\n\ncommands:\n", os.Args[0])
	for _, m := range modules {
		fmt.Fprintf(w, "  %-6s %s\n", m.Name, m.Usage)
	}
	fmt.Fprintln(w, "\nflags:")
	flag.PrintDefaults()
}
