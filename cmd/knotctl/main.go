// Command knotctl is the control-channel client for knotd: it sends one
// spec.md §6 command per invocation over the node's unix socket and
// prints the response.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/knotprotocol/knot/cmd/knotctl/cli"
)

func main() {
	root := cli.Root()
	if err := root.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := root.Run(context.Background()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "knotctl:", err)
		os.Exit(1)
	}
}
