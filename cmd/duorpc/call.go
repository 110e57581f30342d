package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/urfave/cli/v2"

	"duorpc/client"
	"duorpc/codec"
	"duorpc/config"
	"duorpc/loadbalance"
	"duorpc/logging"
	"duorpc/message"
	"duorpc/registry"
	"duorpc/transport"
)

var (
	urlFlag = &cli.StringFlag{
		Name:  "url",
		Usage: "HTTP endpoint to post to",
		Value: "http://127.0.0.1:8800/rpc",
	}
	directFlag = &cli.StringFlag{
		Name:  "direct",
		Usage: "call over a direct stream to host:port instead of HTTP",
	}
	asyncFlag = &cli.BoolFlag{
		Name:  "async",
		Usage: "send the HTTP request from a background goroutine",
	}
	balancerFlag = &cli.StringFlag{
		Name:  "balancer",
		Usage: "instance selection with --service: roundrobin, weighted or hash",
		Value: "roundrobin",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "give up after this long",
		Value: 30 * time.Second,
	}
)

var callCommand = &cli.Command{
	Name:      "call",
	Usage:     "Call a method and print its result",
	ArgsUsage: "method [jsonParams]",
	Flags: []cli.Flag{
		urlFlag, directFlag, asyncFlag, balancerFlag, timeoutFlag,
		etcdFlag, serviceFlag, debugFlag, verbosityFlag,
	},
	Action: call,
}

func call(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return errors.New("missing method name")
	}
	method := ctx.Args().Get(0)
	var params any
	if raw := ctx.Args().Get(1); raw != "" {
		if err := codec.Default.Decode([]byte(raw), &params); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
	}

	log, closeLog := logging.New(os.Stderr, config.Log{
		Debug:     ctx.Bool(debugFlag.Name),
		Verbosity: ctx.Int(verbosityFlag.Name),
	})
	defer closeLog()

	cctx, cancel := context.WithTimeout(ctx.Context, ctx.Duration(timeoutFlag.Name))
	defer cancel()

	var (
		result json.RawMessage
		err    error
	)
	if addr := ctx.String(directFlag.Name); addr != "" {
		result, err = callDirect(cctx, log, addr, method, params)
	} else {
		result, err = callHTTP(cctx, ctx, log, method, params)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

func printPush(msg *message.Message) {
	fmt.Fprintln(os.Stderr, msg.String())
}

func callDirect(ctx context.Context, log logr.Logger, addr, method string, params any) (json.RawMessage, error) {
	ct, err := transport.Dial(ctx, addr, transport.WithLogger(log), transport.WithPushHandler(printPush))
	if err != nil {
		return nil, err
	}
	defer ct.Close()

	var result json.RawMessage
	if err := ct.CallResult(ctx, method, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func callHTTP(ctx context.Context, cliCtx *cli.Context, log logr.Logger, method string, params any) (json.RawMessage, error) {
	opts := []client.Option{
		client.WithLogger(log),
		client.WithNotifyHandler(printPush),
	}
	if cliCtx.Bool(asyncFlag.Name) {
		opts = append(opts, client.WithAsync())
	}
	if service := cliCtx.String(serviceFlag.Name); service != "" {
		endpoints := cliCtx.StringSlice(etcdFlag.Name)
		if len(endpoints) == 0 {
			return nil, errors.New("--service needs --etcd endpoints")
		}
		reg, err := registry.NewEtcdRegistry(endpoints, 5*time.Second)
		if err != nil {
			return nil, err
		}
		defer reg.Close()
		opts = append(opts, client.WithResolver(reg, loadbalance.New(cliCtx.String(balancerFlag.Name)), service))
	}

	c := client.New(cliCtx.String(urlFlag.Name), opts...)
	defer c.Close()
	var result json.RawMessage
	if err := c.Call(ctx, method, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}
