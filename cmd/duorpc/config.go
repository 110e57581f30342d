package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"duorpc/config"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "listen address",
	}
	pathFlag = &cli.StringFlag{
		Name:  "path",
		Usage: "RPC endpoint path",
	}
	statsFlag = &cli.StringFlag{
		Name:  "stats",
		Usage: "stats page path, empty disables it",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "also write JSON logs to this file, rotated",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug logging",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity, higher is noisier",
	}
	etcdFlag = &cli.StringSliceFlag{
		Name:  "etcd",
		Usage: "etcd endpoints of the service registry",
	}
	serviceFlag = &cli.StringFlag{
		Name:  "service",
		Usage: "service name in the registry",
	}

	configFlags = []cli.Flag{configFlag, listenFlag, pathFlag, statsFlag, logFileFlag, debugFlag, verbosityFlag, etcdFlag, serviceFlag}
)

var dumpConfigCommand = &cli.Command{
	Name:      "dumpconfig",
	Usage:     "Export the effective configuration as TOML",
	ArgsUsage: "[dumpfile]",
	Flags:     configFlags,
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		if ctx.NArg() > 0 {
			return os.WriteFile(ctx.Args().First(), out, 0o644)
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

// loadConfig applies defaults, the config file, the environment and then the flags the user set.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return cfg, err
	}
	if ctx.IsSet(listenFlag.Name) {
		cfg.Server.Listen = ctx.String(listenFlag.Name)
	}
	if ctx.IsSet(pathFlag.Name) {
		cfg.Server.Path = ctx.String(pathFlag.Name)
	}
	if ctx.IsSet(statsFlag.Name) {
		cfg.Server.StatsPath = ctx.String(statsFlag.Name)
	}
	if ctx.IsSet(logFileFlag.Name) {
		cfg.Log.File = ctx.String(logFileFlag.Name)
	}
	if ctx.IsSet(debugFlag.Name) {
		cfg.Log.Debug = ctx.Bool(debugFlag.Name)
	}
	if ctx.IsSet(verbosityFlag.Name) {
		cfg.Log.Verbosity = ctx.Int(verbosityFlag.Name)
	}
	if ctx.IsSet(etcdFlag.Name) {
		cfg.Registry.Endpoints = ctx.StringSlice(etcdFlag.Name)
	}
	if ctx.IsSet(serviceFlag.Name) {
		cfg.Server.Service = ctx.String(serviceFlag.Name)
	}
	return cfg, nil
}
