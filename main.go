package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bridgectl <daemon|status> [flags]")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "daemon":
		fs := pflag.NewFlagSet("daemon", pflag.ExitOnError)
		configFlag := fs.String("config", "", "path to config file")
		logFlag := fs.String("log", "", "override log file path")
		sinkFlag := fs.String("sink", "", "override gadget sink name")
		fs.Parse(os.Args[2:])

		var cfg *Config
		cfg, err = loadConfig(*configFlag)
		if err == nil {
			if *logFlag != "" {
				cfg.LogPath = *logFlag
			}
			if *sinkFlag != "" {
				cfg.GadgetSink = *sinkFlag
			}
			err = runDaemon(cfg)
		}
	case "status":
		var cfg *Config
		cfg, err = loadConfig("")
		if err == nil {
			err = runStatus(cfg)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
