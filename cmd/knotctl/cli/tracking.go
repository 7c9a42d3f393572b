package cli

import (
	"context"
	"flag"
	"fmt"

	survey "github.com/AlecAivazis/survey/v2"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/knotprotocol/knot/internal/control"
)

// TrackRepoCommand adds a repo to the track policy. With -all or
// -trusted it runs non-interactively; otherwise it prompts for the
// fetch scope, mirroring the teacher's interactive-when-unflagged CLI
// style.
func TrackRepoCommand(rf *RootFlags) *ffcli.Command {
	fs := flag.NewFlagSet("knotctl track-repo", flag.ExitOnError)
	all := fs.Bool("all", false, "fetch from every remote the announcer carries")
	trusted := fs.Bool("trusted", false, "fetch only from nodes on the trusted-node list")
	return &ffcli.Command{
		Name:       "track-repo",
		ShortUsage: "knotctl track-repo [-all | -trusted] <repo>",
		ShortHelp:  "start tracking a repo",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: knotctl track-repo <repo>")
			}
			if *all && *trusted {
				return fmt.Errorf("-all and -trusted are mutually exclusive")
			}
			params := control.TrackRepoParams{Repo: args[0]}
			switch {
			case *all:
				params.All = true
			case *trusted:
				params.All = false
			default:
				scope, err := promptTrackScope()
				if err != nil {
					return err
				}
				params.All = scope == "all"
			}
			return run(rf.Socket, control.CmdTrackRepo, params, nil, func() {
				fmt.Println("ok")
			})
		},
	}
}

func promptTrackScope() (scope string, err error) {
	if err := survey.AskOne(&survey.Select{
		Message: "Fetch from which remotes?",
		Options: []string{"all", "trusted nodes only"},
		Default: "all",
	}, &scope); err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}
	if scope == "all" {
		return "all", nil
	}
	return "trusted", nil
}

// UntrackRepoCommand removes a repo from the track policy.
func UntrackRepoCommand(rf *RootFlags) *ffcli.Command {
	fs := flag.NewFlagSet("knotctl untrack-repo", flag.ExitOnError)
	return &ffcli.Command{
		Name:       "untrack-repo",
		ShortUsage: "knotctl untrack-repo <repo>",
		ShortHelp:  "stop tracking a repo",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: knotctl untrack-repo <repo>")
			}
			return run(rf.Socket, control.CmdUntrackRepo, control.UntrackRepoParams{Repo: args[0]}, nil, func() {
				fmt.Println("ok")
			})
		},
	}
}

// TrackNodeCommand adds a node to the trusted-node policy.
func TrackNodeCommand(rf *RootFlags) *ffcli.Command {
	fs := flag.NewFlagSet("knotctl track-node", flag.ExitOnError)
	return &ffcli.Command{
		Name:       "track-node",
		ShortUsage: "knotctl track-node <node-id>",
		ShortHelp:  "trust a node",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: knotctl track-node <node-id>")
			}
			return run(rf.Socket, control.CmdTrackNode, control.TrackNodeParams{Node: args[0]}, nil, func() {
				fmt.Println("ok")
			})
		},
	}
}

// UntrackNodeCommand removes a node from the trusted-node policy.
func UntrackNodeCommand(rf *RootFlags) *ffcli.Command {
	fs := flag.NewFlagSet("knotctl untrack-node", flag.ExitOnError)
	return &ffcli.Command{
		Name:       "untrack-node",
		ShortUsage: "knotctl untrack-node <node-id>",
		ShortHelp:  "stop trusting a node",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: knotctl untrack-node <node-id>")
			}
			return run(rf.Socket, control.CmdUntrackNode, control.UntrackNodeParams{Node: args[0]}, nil, func() {
				fmt.Println("ok")
			})
		},
	}
}
