package service

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/knotprotocol/knot/internal/control"
	"github.com/knotprotocol/knot/internal/session"
	"github.com/knotprotocol/knot/internal/tracking"
	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

// parseAddress parses a "host:port" string from the control channel into
// an Address, inferring whether host is an IP literal or a DNS name.
func parseAddress(s string) (types.Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return types.Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return types.Address{}, fmt.Errorf("bad port: %w", err)
	}
	kind := types.HostDNS
	if _, err := netip.ParseAddr(host); err == nil {
		kind = types.HostIP
	}
	return types.Address{Kind: kind, Host: host, Port: uint16(port)}, nil
}

func (s *Service) handleSeedsCommand(cmd control.Command) control.Response {
	var params control.SeedsParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return control.Err(cmd.ID, fmt.Errorf("decode params: %w", err))
		}
	}
	repo, err := types.ParseRepoID(params.Repo)
	if err != nil {
		return control.Err(cmd.ID, fmt.Errorf("bad repo id: %w", err))
	}
	seeds, err := s.routing.Get(repo)
	if err != nil {
		return control.Err(cmd.ID, err)
	}
	out := make([]string, len(seeds))
	for i, n := range seeds {
		out[i] = n.String()
	}
	return control.OK(cmd.ID, out)
}

func (s *Service) handleConnectCommand(cmd control.Command, now types.Timestamp) control.Response {
	var params control.ConnectParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return control.Err(cmd.ID, fmt.Errorf("decode params: %w", err))
	}
	node, err := types.ParseNodeID(params.Node)
	if err != nil {
		return control.Err(cmd.ID, fmt.Errorf("bad node id: %w", err))
	}

	var addr types.Address
	if params.Addr != "" {
		addr, err = parseAddress(params.Addr)
		if err != nil {
			return control.Err(cmd.ID, fmt.Errorf("bad address: %w", err))
		}
		_ = s.addrs.Insert(node, addr, "config")
	} else {
		var ok bool
		addr, ok, err = s.addrs.BestAddress(node)
		if err != nil {
			return control.Err(cmd.ID, err)
		}
		if !ok {
			return control.Err(cmd.ID, fmt.Errorf("no known address for %s", node))
		}
	}
	s.connectTo(node, addr, now)
	return control.OK(cmd.ID, nil)
}

func (s *Service) handleFetchCommand(cmd control.Command, now types.Timestamp) control.Response {
	var params control.FetchParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return control.Err(cmd.ID, fmt.Errorf("decode params: %w", err))
	}
	repo, err := types.ParseRepoID(params.Repo)
	if err != nil {
		return control.Err(cmd.ID, fmt.Errorf("bad repo id: %w", err))
	}

	scope, tracked, err := s.tracking.FetchScopeFor(repo, s.storage)
	if err != nil {
		return control.Err(cmd.ID, err)
	}
	if !tracked {
		scope = types.AllScope()
	}

	var candidates []types.NodeID
	if params.Node != "" {
		node, err := types.ParseNodeID(params.Node)
		if err != nil {
			return control.Err(cmd.ID, fmt.Errorf("bad node id: %w", err))
		}
		candidates = []types.NodeID{node}
	} else {
		candidates, err = s.routing.Get(repo)
		if err != nil {
			return control.Err(cmd.ID, err)
		}
	}
	if len(candidates) == 0 {
		return control.Err(cmd.ID, fmt.Errorf("no known seed for %s", repo))
	}

	timeout := time.Duration(params.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	started := false
	for _, node := range candidates {
		sess, ok := s.sessions[node]
		if !ok || sess.State() != session.Connected {
			continue
		}
		s.startUserFetch(cmd.ID, node, sess, repo, scope, timeout)
		started = true
		break
	}
	if !started {
		return control.Err(cmd.ID, fmt.Errorf("no connected seed for %s", repo))
	}
	return control.OK(cmd.ID, nil)
}

func (s *Service) handleTrackRepoCommand(cmd control.Command) control.Response {
	var params control.TrackRepoParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return control.Err(cmd.ID, fmt.Errorf("decode params: %w", err))
	}
	repo, err := types.ParseRepoID(params.Repo)
	if err != nil {
		return control.Err(cmd.ID, fmt.Errorf("bad repo id: %w", err))
	}
	scope := tracking.ScopeAll
	if !params.All {
		scope = tracking.ScopeTrusted
	}
	if err := s.tracking.TrackRepo(repo, scope); err != nil {
		return control.Err(cmd.ID, err)
	}
	return control.OK(cmd.ID, nil)
}

func (s *Service) handleUntrackRepoCommand(cmd control.Command) control.Response {
	var params control.UntrackRepoParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return control.Err(cmd.ID, fmt.Errorf("decode params: %w", err))
	}
	repo, err := types.ParseRepoID(params.Repo)
	if err != nil {
		return control.Err(cmd.ID, fmt.Errorf("bad repo id: %w", err))
	}
	if err := s.tracking.UntrackRepo(repo); err != nil {
		return control.Err(cmd.ID, err)
	}
	return control.OK(cmd.ID, nil)
}

func (s *Service) handleTrackNodeCommand(cmd control.Command) control.Response {
	var params control.TrackNodeParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return control.Err(cmd.ID, fmt.Errorf("decode params: %w", err))
	}
	node, err := types.ParseNodeID(params.Node)
	if err != nil {
		return control.Err(cmd.ID, fmt.Errorf("bad node id: %w", err))
	}
	if err := s.tracking.TrackNode(node); err != nil {
		return control.Err(cmd.ID, err)
	}
	return control.OK(cmd.ID, nil)
}

func (s *Service) handleUntrackNodeCommand(cmd control.Command) control.Response {
	var params control.UntrackNodeParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return control.Err(cmd.ID, fmt.Errorf("decode params: %w", err))
	}
	node, err := types.ParseNodeID(params.Node)
	if err != nil {
		return control.Err(cmd.ID, fmt.Errorf("bad node id: %w", err))
	}
	if err := s.tracking.UntrackNode(node); err != nil {
		return control.Err(cmd.ID, err)
	}
	return control.OK(cmd.ID, nil)
}

func (s *Service) handleAnnounceRefsCommand(cmd control.Command, now types.Timestamp) control.Response {
	var params control.AnnounceRefsParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return control.Err(cmd.ID, fmt.Errorf("decode params: %w", err))
	}
	repo, err := types.ParseRepoID(params.Repo)
	if err != nil {
		return control.Err(cmd.ID, fmt.Errorf("bad repo id: %w", err))
	}

	refs, err := wire.NewRefs(s.signer.NodeID(), repo, nil, now)
	if err != nil {
		return control.Err(cmd.ID, err)
	}
	if err := s.sign(&refs); err != nil {
		return control.Err(cmd.ID, err)
	}
	s.broadcastConnected(wire.Message{Kind: wire.KindRefs, Refs: &refs})
	return control.OK(cmd.ID, nil)
}

func (s *Service) handleAnnounceInventoryCommand(cmd control.Command, now types.Timestamp) control.Response {
	var params control.AnnounceInventoryParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return control.Err(cmd.ID, fmt.Errorf("decode params: %w", err))
		}
	}

	var repos []types.RepoID
	if len(params.Repos) > 0 {
		for _, r := range params.Repos {
			id, err := types.ParseRepoID(r)
			if err != nil {
				return control.Err(cmd.ID, fmt.Errorf("bad repo id %q: %w", r, err))
			}
			repos = append(repos, id)
		}
	} else {
		var err error
		repos, err = s.storage.LocalInventory()
		if err != nil {
			return control.Err(cmd.ID, err)
		}
	}

	inv, err := wire.NewInventory(s.signer.NodeID(), repos, now)
	if err != nil {
		return control.Err(cmd.ID, err)
	}
	if err := s.sign(&inv); err != nil {
		return control.Err(cmd.ID, err)
	}
	s.broadcastConnected(wire.Message{Kind: wire.KindInventory, Inventory: &inv})
	return control.OK(cmd.ID, nil)
}

// handleSubscribeCommand validates a subscribe request's repo filter.
// The actual event stream is pushed by the driver, which holds the
// control connection open and forwards Events() past this point
// (spec §6: subscribe is a long-lived command, not request/response).
func (s *Service) handleSubscribeCommand(cmd control.Command) control.Response {
	var params control.SubscribeParams
	if len(cmd.Params) > 0 {
		if err := json.Unmarshal(cmd.Params, &params); err != nil {
			return control.Err(cmd.ID, fmt.Errorf("decode params: %w", err))
		}
	}
	for _, r := range params.Repos {
		if _, err := types.ParseRepoID(r); err != nil {
			return control.Err(cmd.ID, fmt.Errorf("bad repo id %q: %w", r, err))
		}
	}
	return control.OK(cmd.ID, nil)
}

func (s *Service) broadcastConnected(msg wire.Message) {
	for node, sess := range s.sessions {
		if sess.State() == session.Connected {
			s.out.Write(node, msg)
		}
	}
}
