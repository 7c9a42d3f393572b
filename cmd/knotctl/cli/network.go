package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/knotprotocol/knot/internal/control"
)

// ConnectCommand dials a peer by node id, optionally at an explicit address.
func ConnectCommand(rf *RootFlags) *ffcli.Command {
	fs := flag.NewFlagSet("knotctl connect", flag.ExitOnError)
	addr := fs.String("addr", "", "host:port to dial (defaults to the best known address)")
	return &ffcli.Command{
		Name:       "connect",
		ShortUsage: "knotctl connect [-addr host:port] <node-id>",
		ShortHelp:  "connect to a peer",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: knotctl connect [-addr host:port] <node-id>")
			}
			return run(rf.Socket, control.CmdConnect, control.ConnectParams{Node: args[0], Addr: *addr}, nil, func() {
				fmt.Println("ok")
			})
		},
	}
}

// FetchCommand requests a repository fetch from a peer (or from any
// known seed when -node is omitted).
func FetchCommand(rf *RootFlags) *ffcli.Command {
	fs := flag.NewFlagSet("knotctl fetch", flag.ExitOnError)
	node := fs.String("node", "", "specific peer to fetch from (default: any connected seed)")
	timeout := fs.Duration("timeout", 0, "fetch timeout (0 means no timeout)")
	return &ffcli.Command{
		Name:       "fetch",
		ShortUsage: "knotctl fetch [-node id] [-timeout 30s] <repo>",
		ShortHelp:  "fetch a repository from a seed",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: knotctl fetch [-node id] <repo>")
			}
			params := control.FetchParams{
				Repo:      args[0],
				Node:      *node,
				TimeoutMs: timeout.Milliseconds(),
			}
			return run(rf.Socket, control.CmdFetch, params, nil, func() {
				fmt.Println("fetch started")
			})
		},
	}
}

// AnnounceRefsCommand broadcasts a fresh ref-update announcement.
func AnnounceRefsCommand(rf *RootFlags) *ffcli.Command {
	fs := flag.NewFlagSet("knotctl announce-refs", flag.ExitOnError)
	return &ffcli.Command{
		Name:       "announce-refs",
		ShortUsage: "knotctl announce-refs <repo>",
		ShortHelp:  "announce updated refs for a repo",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: knotctl announce-refs <repo>")
			}
			return run(rf.Socket, control.CmdAnnounceRefs, control.AnnounceRefsParams{Repo: args[0]}, nil, func() {
				fmt.Println("ok")
			})
		},
	}
}

// AnnounceInventoryCommand broadcasts the node's inventory, or a
// specific repo subset when given.
func AnnounceInventoryCommand(rf *RootFlags) *ffcli.Command {
	fs := flag.NewFlagSet("knotctl announce-inventory", flag.ExitOnError)
	return &ffcli.Command{
		Name:       "announce-inventory",
		ShortUsage: "knotctl announce-inventory [repo ...]",
		ShortHelp:  "announce local inventory",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return run(rf.Socket, control.CmdAnnounceInventory, control.AnnounceInventoryParams{Repos: args}, nil, func() {
				fmt.Println("ok")
			})
		},
	}
}

// SyncInventoryCommand triggers an immediate inventory sync round.
func SyncInventoryCommand(rf *RootFlags) *ffcli.Command {
	return &ffcli.Command{
		Name:      "sync-inventory",
		ShortHelp: "run an inventory sync round now",
		Exec: func(ctx context.Context, args []string) error {
			return run(rf.Socket, control.CmdSyncInventory, nil, nil, func() {
				fmt.Println("ok")
			})
		},
	}
}

// ShutdownCommand asks the node to drain its outbox and exit.
func ShutdownCommand(rf *RootFlags) *ffcli.Command {
	return &ffcli.Command{
		Name:      "shutdown",
		ShortHelp: "shut the node down",
		Exec: func(ctx context.Context, args []string) error {
			return run(rf.Socket, control.CmdShutdown, nil, nil, func() {
				fmt.Println("ok")
			})
		},
	}
}

// SubscribeCommand opens a long-lived connection and prints every
// matching event as it arrives, until the node exits or the process is
// interrupted (spec.md §6: subscribe has no final response, only pushes).
func SubscribeCommand(rf *RootFlags) *ffcli.Command {
	fs := flag.NewFlagSet("knotctl subscribe", flag.ExitOnError)
	return &ffcli.Command{
		Name:       "subscribe",
		ShortUsage: "knotctl subscribe [repo ...]",
		ShortHelp:  "stream node events",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			c, err := dial(rf.Socket)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.call(control.CmdSubscribe, control.SubscribeParams{Repos: args})
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("%s", resp.Error)
			}

			for {
				resp, err := c.dec.DecodeResponse()
				if err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
				if !resp.OK {
					fmt.Fprintln(os.Stderr, resp.Error)
					continue
				}
				var ev control.EventView
				if err := json.Unmarshal(resp.Result, &ev); err != nil {
					continue
				}
				printEvent(ev)
			}
		},
	}
}

func printEvent(ev control.EventView) {
	at := time.UnixMilli(ev.At).Format(time.RFC3339)
	line := fmt.Sprintf("%s  %-20s node=%s", at, ev.Kind, ev.Node)
	if ev.Repo != "" {
		line += " repo=" + ev.Repo
	}
	if ev.Detail != "" {
		line += " detail=" + ev.Detail
	}
	if ev.Error != "" {
		line += " err=" + ev.Error
	}
	fmt.Println(line)
}
