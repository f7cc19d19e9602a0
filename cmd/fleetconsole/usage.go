package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"fleetconsole/internal/appinfo"
	"fleetconsole/internal/bootstrap"
	"fleetconsole/internal/config"
)

func binaryName() string {
	if len(os.Args) == 0 {
		return "fleetconsole"
	}
	name := strings.TrimSpace(filepath.Base(os.Args[0]))
	if name == "" {
		return "fleetconsole"
	}
	return name
}

func printRootUsage(w io.Writer) {
	bin := binaryName()
	fmt.Fprintf(w, `%s - operator console for an agent gateway

Usage:
  %s [command] [options]

Commands:
  tui         Interactive console (default)
  watch       Log agent and approval activity as plain lines
  agents      List agents with their status and cron jobs
  approvals   Show the approval journal, or decide: approvals decide <id> <decision>
  history     Print an agent's transcript: history <agent-id>
  init        Write a starter config file
  version     Print the version

Config:
  --config <file>   JSON or YAML (default: ./%s)
  Environment: FLEET_GATEWAY_URL, FLEET_GATEWAY_TOKEN, FLEET_REDIS_URL, FLEET_NOTIFY_ENABLED

Help:
  %s <command> -h
`, bin, bin, config.DefaultPath, bin)
}

// commonFlags are accepted by every command that talks to the gateway.
type commonFlags struct {
	configPath string
	debug      bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", config.DefaultPath, "config file (JSON, or YAML by extension)")
	fs.BoolVar(&cf.debug, "debug", false, "log DEBUG lines")
	return fs, cf
}

func runVersion(args []string) error {
	fs := flag.NewFlagSet("version", flag.ExitOnError)
	fs.Parse(args)
	fmt.Println(appinfo.Display())
	return nil
}

func runInit(args []string) error {
	fs, cf := newFlagSet("init")
	force := fs.Bool("force", false, "overwrite an existing config file")
	fs.Parse(args)

	report, err := bootstrap.Init(bootstrap.InitOptions{ConfigPath: cf.configPath, Force: *force})
	if err != nil {
		return err
	}
	for _, p := range report.Created {
		fmt.Println("created", p)
	}
	for _, p := range report.Skipped {
		fmt.Println("exists ", p, "(use --force to overwrite)")
	}
	return nil
}
