package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/temoto/sensornet/cmd/sensornet/subcmd"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/state"
)

var modules = []subcmd.Mod{
	ServerMod,
	NodeMod,
	ProbeMod,
	QosTestMod,
}

func main() {
	log := log2.NewStderr(log2.LInfo)
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "sensornet.hcl", "")
	flagDebug := cmdline.Bool("debug", false, "")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "usage: %s [flags] command\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(cmdline.Output(), "  %-10s %s\n", m.Name, m.Usage)
		}
		cmdline.PrintDefaults()
	}
	_ = cmdline.Parse(os.Args[1:])

	if subcmd.SdNotify(log, "start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}

	mod, err := subcmd.Parse(cmdline.Arg(0), modules)
	if err != nil {
		cmdline.Usage()
		log.Fatal(err)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	log.Debugf("config=%+v", config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigch
		log.Infof("signal=%v shutting down", s)
		cancel()
		// second signal is impatient user
		s = <-sigch
		log.Fatalf("signal=%v exit now", s)
	}()

	if err := mod.Main(ctx, config, log); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
