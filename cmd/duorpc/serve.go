package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"duorpc/logging"
	"duorpc/registry"
	"duorpc/server"
)

var announceFlag = &cli.DurationFlag{
	Name:  "announce",
	Usage: "broadcast a server.time notification to all sessions at this interval, 0 disables",
}

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Serve the demo methods over HTTP, websocket and direct streams",
	Flags:  append([]cli.Flag{announceFlag}, configFlags...),
	Action: serve,
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log, closeLog := logging.New(os.Stderr, cfg.Log)
	defer closeLog()

	opts := []server.Option{server.WithLogger(log.WithName("server"))}
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout.Std())
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.Registry.TTL))
	}

	started := time.Now()
	opts = append(opts, server.WithCustomStats(func() map[string]any {
		return map[string]any{"uptime": time.Since(started).Round(time.Second).String()}
	}))

	svr := server.New(cfg.Server, opts...)
	if err := registerDemo(svr); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return svr.Serve(gctx, cfg.Server.Listen)
	})
	if every := ctx.Duration(announceFlag.Name); every > 0 {
		g.Go(func() error {
			announce(gctx, svr, every)
			return nil
		})
	}
	err = g.Wait()
	log.Info("stopped", "err", err)
	return err
}

// announce pushes the server time to every open session until ctx is done.
func announce(ctx context.Context, svr *server.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			svr.Notify("server.time", now.UTC().Format(time.RFC3339))
		}
	}
}
