package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/arclient/cmd/arclient/broker"
	"github.com/temoto/arclient/cmd/arclient/console"
	"github.com/temoto/arclient/cmd/arclient/onboard"
	"github.com/temoto/arclient/cmd/arclient/run"
	"github.com/temoto/arclient/cmd/arclient/subcmd"
	"github.com/temoto/arclient/internal/config"
	"github.com/temoto/arclient/log2"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	onboard.Mod,
	onboard.RevokeMod,
	console.Mod,
	run.Mod,
	broker.Mod,
}

func main() {
	flagConfig := flag.String("config", "arclient.hcl", "")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] command [args]\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprint(flag.CommandLine.Output(), subcmd.Usage(modules))
	}
	flag.Parse()

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	fs, err := config.NewOsFullReader(".")
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	cfg := config.MustReadConfig(log, fs, *flagConfig)
	if !cfg.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	log.Debugf("config=%+v", cfg)

	ctx := context.WithValue(context.Background(), log2.ContextKey, log)
	if err := mod.Main(ctx, cfg, flag.Args()[1:]); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
