// Package control implements the node's control channel protocol
// (spec.md §6): a line-delimited JSON command/response protocol used by
// local clients (cmd/knotctl) to drive and inspect a running node.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Command names, matching spec.md §6's command table.
const (
	CmdAnnounceRefs      = "announce-refs"
	CmdAnnounceInventory = "announce-inventory"
	CmdSyncInventory     = "sync-inventory"
	CmdConnect           = "connect"
	CmdSeeds             = "seeds"
	CmdFetch             = "fetch"
	CmdTrackRepo         = "track-repo"
	CmdUntrackRepo       = "untrack-repo"
	CmdTrackNode         = "track-node"
	CmdUntrackNode       = "untrack-node"
	CmdSessions          = "sessions"
	CmdNodeID            = "node-id"
	CmdStatus            = "status"
	CmdShutdown          = "shutdown"
	CmdSubscribe         = "subscribe"
)

// Command is one client request. Params is left raw so the dispatcher
// can unmarshal it into the command-specific params struct below.
type Command struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Command by ID. Exactly one of Result or Error is
// set when OK is false; Result may be set when OK is true.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ConnectParams is CmdConnect's payload.
type ConnectParams struct {
	Node string `json:"node"`
	Addr string `json:"addr,omitempty"`
}

// SeedsParams is CmdSeeds's payload.
type SeedsParams struct {
	Repo string `json:"repo"`
}

// FetchParams is CmdFetch's payload.
type FetchParams struct {
	Repo      string `json:"repo"`
	Node      string `json:"node,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// TrackRepoParams is CmdTrackRepo's payload. All selects the fetch scope:
// true fetches from every remote the announcer carries, false restricts
// fetches to the trusted-node set (spec.md §3/§4.C).
type TrackRepoParams struct {
	Repo string `json:"repo"`
	All  bool   `json:"all,omitempty"`
}

// UntrackRepoParams is CmdUntrackRepo's payload.
type UntrackRepoParams struct {
	Repo string `json:"repo"`
}

// TrackNodeParams is CmdTrackNode's payload.
type TrackNodeParams struct {
	Node string `json:"node"`
}

// UntrackNodeParams is CmdUntrackNode's payload.
type UntrackNodeParams struct {
	Node string `json:"node"`
}

// AnnounceRefsParams is CmdAnnounceRefs's payload.
type AnnounceRefsParams struct {
	Repo string `json:"repo"`
}

// AnnounceInventoryParams is CmdAnnounceInventory's payload; an empty
// Repos list means "announce the full current inventory".
type AnnounceInventoryParams struct {
	Repos []string `json:"repos,omitempty"`
}

// SubscribeParams is CmdSubscribe's payload.
type SubscribeParams struct {
	Repos []string `json:"repos,omitempty"`
}

// SessionView is one row of CmdSessions's result.
type SessionView struct {
	Node    string `json:"node"`
	Link    string `json:"link"`
	State   string `json:"state"`
	Addr    string `json:"addr,omitempty"`
	Since   int64  `json:"since"`
}

// EventView is one pushed notification on a subscribed connection
// (spec.md §6): each is framed as its own OK response sharing the
// subscribe command's ID, since the protocol has no separate
// server-push envelope.
type EventView struct {
	Kind   string `json:"kind"`
	Node   string `json:"node,omitempty"`
	Repo   string `json:"repo,omitempty"`
	At     int64  `json:"at"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// UnmarshalParams decodes a command's raw params into v.
func UnmarshalParams(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// StatusResult is CmdStatus's result payload.
type StatusResult struct {
	NodeID         string `json:"node_id"`
	Sessions       int    `json:"sessions"`
	TrackedRepos   int    `json:"tracked_repos"`
	RoutingEntries int    `json:"routing_entries"`
	Uptime         int64  `json:"uptime_seconds"`
}

// Encoder writes line-delimited JSON commands or responses.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w for line-delimited JSON output.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// EncodeCommand writes cmd followed by a newline and flushes.
func (e *Encoder) EncodeCommand(cmd Command) error {
	return e.encodeLine(cmd)
}

// EncodeResponse writes resp followed by a newline and flushes.
func (e *Encoder) EncodeResponse(resp Response) error {
	return e.encodeLine(resp)
}

func (e *Encoder) encodeLine(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("control: marshal: %w", err)
	}
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads line-delimited JSON commands or responses.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r for line-delimited JSON input.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// DecodeCommand reads and parses the next command line.
func (d *Decoder) DecodeCommand() (Command, error) {
	var cmd Command
	line, err := d.nextLine()
	if err != nil {
		return cmd, err
	}
	if err := json.Unmarshal(line, &cmd); err != nil {
		return cmd, fmt.Errorf("control: decode command: %w", err)
	}
	return cmd, nil
}

// DecodeResponse reads and parses the next response line.
func (d *Decoder) DecodeResponse() (Response, error) {
	var resp Response
	line, err := d.nextLine()
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return resp, fmt.Errorf("control: decode response: %w", err)
	}
	return resp, nil
}

func (d *Decoder) nextLine() ([]byte, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return d.scanner.Bytes(), nil
}

// OK builds a successful response for id, marshaling result if non-nil.
func OK(id string, result interface{}) Response {
	resp := Response{ID: id, OK: true}
	if result != nil {
		b, err := json.Marshal(result)
		if err == nil {
			resp.Result = b
		}
	}
	return resp
}

// Err builds a failure response for id.
func Err(id string, err error) Response {
	return Response{ID: id, OK: false, Error: err.Error()}
}
