package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/knotprotocol/knot/internal/types"
)

// noopFetcher stands in for the actual git transfer client, which is out
// of this spec's scope (§1: repository content is an external concern).
// It reports every fetch as immediately successful so the session/outbox
// fetch-queue plumbing has something real driving it end to end.
type noopFetcher struct {
	log zerolog.Logger
}

func (f noopFetcher) Fetch(ctx context.Context, node types.NodeID, repo types.RepoID, scope types.FetchScope, timeout time.Duration) error {
	f.log.Debug().
		Str("node", node.String()).
		Str("repo", repo.String()).
		Bool("all", scope.All).
		Int("trusted", len(scope.Trusted)).
		Msg("fetch (noop)")
	return nil
}
