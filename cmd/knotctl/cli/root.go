package cli

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/peterbourgon/ff/v3/ffcli"
)

// defaultSocket mirrors internal/config.Default's ControlSocket so
// knotctl talks to a knotd started with no flags out of the box.
func defaultSocket() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".knot/control.sock"
	}
	return filepath.Join(home, ".knot", "control.sock")
}

// Root builds the knotctl command tree: one leaf per control-channel
// verb from spec.md §6, sharing the -socket flag.
func Root() *ffcli.Command {
	rf := &RootFlags{}
	fs := flag.NewFlagSet("knotctl", flag.ExitOnError)
	fs.StringVar(&rf.Socket, "socket", defaultSocket(), "path to the node's control socket")

	return &ffcli.Command{
		Name:       "knotctl",
		ShortUsage: "knotctl [-socket path] <command> [args]",
		ShortHelp:  "control a running knotd node",
		FlagSet:    fs,
		Subcommands: []*ffcli.Command{
			NodeIDCommand(rf),
			StatusCommand(rf),
			SessionsCommand(rf),
			SeedsCommand(rf),
			ConnectCommand(rf),
			FetchCommand(rf),
			AnnounceRefsCommand(rf),
			AnnounceInventoryCommand(rf),
			SyncInventoryCommand(rf),
			TrackRepoCommand(rf),
			UntrackRepoCommand(rf),
			TrackNodeCommand(rf),
			UntrackNodeCommand(rf),
			SubscribeCommand(rf),
			ShutdownCommand(rf),
		},
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
	}
}
