package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/knotprotocol/knot/internal/control"
)

// NodeIDCommand reports the node's own identity.
func NodeIDCommand(rf *RootFlags) *ffcli.Command {
	return &ffcli.Command{
		Name:      "node-id",
		ShortHelp: "print this node's identity",
		Exec: func(ctx context.Context, args []string) error {
			var result map[string]string
			return run(rf.Socket, control.CmdNodeID, nil, &result, func() {
				fmt.Println(result["node_id"])
			})
		},
	}
}

// StatusCommand reports a summary of the node's current state.
func StatusCommand(rf *RootFlags) *ffcli.Command {
	return &ffcli.Command{
		Name:      "status",
		ShortHelp: "print session/tracking/routing counters",
		Exec: func(ctx context.Context, args []string) error {
			var st control.StatusResult
			return run(rf.Socket, control.CmdStatus, nil, &st, func() {
				fmt.Printf("node:            %s\n", st.NodeID)
				fmt.Printf("sessions:        %d\n", st.Sessions)
				fmt.Printf("tracked repos:   %d\n", st.TrackedRepos)
				fmt.Printf("routing entries: %d\n", st.RoutingEntries)
				fmt.Printf("uptime:          %s\n", units.HumanDuration(time.Duration(st.Uptime)*time.Second))
			})
		},
	}
}

// SessionsCommand lists every peer session and its state.
func SessionsCommand(rf *RootFlags) *ffcli.Command {
	return &ffcli.Command{
		Name:      "sessions",
		ShortHelp: "list peer sessions",
		Exec: func(ctx context.Context, args []string) error {
			var views []control.SessionView
			return run(rf.Socket, control.CmdSessions, nil, &views, func() {
				if len(views) == 0 {
					fmt.Println("(no sessions)")
					return
				}
				for _, v := range views {
					since := humanize.Time(time.UnixMilli(v.Since))
					fmt.Printf("%-50s %-8s %-12s %-22s since %s\n", v.Node, v.Link, v.State, v.Addr, since)
				}
			})
		},
	}
}

// SeedsCommand lists the known seeds for a repository.
func SeedsCommand(rf *RootFlags) *ffcli.Command {
	fs := flag.NewFlagSet("knotctl seeds", flag.ExitOnError)
	return &ffcli.Command{
		Name:       "seeds",
		ShortUsage: "knotctl seeds <repo>",
		ShortHelp:  "list known seeds for a repo",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: knotctl seeds <repo>")
			}
			var seeds []string
			return run(rf.Socket, control.CmdSeeds, control.SeedsParams{Repo: args[0]}, &seeds, func() {
				fmt.Println(strings.Join(seeds, "\n"))
			})
		},
	}
}
