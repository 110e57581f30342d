// duorpc serves JSON-RPC 2.0 over HTTP, websocket and direct streams, and calls such servers.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var app = &cli.App{
	Name:  "duorpc",
	Usage: "JSON-RPC 2.0 over HTTP and persistent streams",
	Commands: []*cli.Command{
		serveCommand,
		callCommand,
		dumpConfigCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
