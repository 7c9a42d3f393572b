// Package driver implements the external reactor around internal/service
// (spec.md §4.H: the service itself never performs I/O and is a
// single-threaded actor). It polls the service's outbox, executes each
// intent against a pluggable Transport, and feeds transport/tick/command
// events back in. The actual peer wire transport (spec §1: out of
// scope) is abstracted behind Transport/Conn so this package can be
// driven by anything from an in-process pipe (tests) to a real libp2p
// host.
//
// Every call into the service happens on a single goroutine (Run's
// loop); everything else (accept, read, dial, fetch, control) runs
// concurrently but only ever submits a closure to that loop rather than
// touching the service directly.
package driver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/knotprotocol/knot/internal/control"
	"github.com/knotprotocol/knot/internal/events"
	"github.com/knotprotocol/knot/internal/outbox"
	"github.com/knotprotocol/knot/internal/service"
	"github.com/knotprotocol/knot/internal/types"
	"github.com/knotprotocol/knot/internal/wire"
)

// ErrClosed is returned by Transport.Accept once the driver has shut the
// transport down.
var ErrClosed = errors.New("driver: transport closed")

// Conn is one established peer connection. RemoteNode must already be
// known by the time the connection is usable: in a real deployment this
// is the identity the transport's own secure handshake resolved (e.g. a
// libp2p Noise/secio peer ID), not something this layer negotiates.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	RemoteNode() types.NodeID
	RemoteAddr() types.Address
}

// Transport dials outbound and accepts inbound peer connections.
type Transport interface {
	Dial(ctx context.Context, node types.NodeID, addr types.Address) (Conn, error)
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Fetcher performs the actual repository transfer for a Fetch intent.
// The transfer mechanism itself is out of this spec's scope; the driver
// only needs to know when it finished.
type Fetcher interface {
	Fetch(ctx context.Context, node types.NodeID, repo types.RepoID, scope types.FetchScope, timeout time.Duration) error
}

// Driver wires a Service to a Transport, a Fetcher, and the control
// channel, and runs the event loop that keeps them in sync.
type Driver struct {
	svc       *service.Service
	transport Transport
	fetcher   Fetcher
	log       zerolog.Logger

	mu    sync.Mutex
	conns map[types.NodeID]Conn

	events    chan func(now types.Timestamp)
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a driver around svc.
func New(svc *service.Service, transport Transport, fetcher Fetcher, log zerolog.Logger) *Driver {
	return &Driver{
		svc:       svc,
		transport: transport,
		fetcher:   fetcher,
		log:       log.With().Str("component", "driver").Logger(),
		conns:     make(map[types.NodeID]Conn),
		events:    make(chan func(now types.Timestamp), 256),
		closeCh:   make(chan struct{}),
	}
}

// submit hands fn to the single loop goroutine in Run, serializing every
// touch of the service. Safe to call from any goroutine, including
// before Run has started (it just buffers, up to the channel's capacity).
func (d *Driver) submit(fn func(now types.Timestamp)) {
	select {
	case d.events <- fn:
	case <-d.closeCh:
	}
}

// Run drives the service until ctx is cancelled or Close is called. It
// accepts inbound connections, pumps the outbox after every event, and
// wakes the service's Tick on both its own schedule and on submitted
// events (a new inbound connection, a completed fetch, a command).
func (d *Driver) Run(ctx context.Context) error {
	d.wg.Add(1)
	go d.acceptLoop(ctx)

	now := types.TimestampFromTime(time.Now())
	d.svc.Tick(now)
	d.pumpOutbox(ctx)

	timer := time.NewTimer(d.untilNextWakeup(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Close()
			d.wg.Wait()
			return ctx.Err()
		case <-d.closeCh:
			d.wg.Wait()
			return nil
		case fn := <-d.events:
			fn(types.TimestampFromTime(time.Now()))
			d.pumpOutbox(ctx)
		case <-timer.C:
			now = types.TimestampFromTime(time.Now())
			d.svc.Tick(now)
			d.pumpOutbox(ctx)
		}

		now = types.TimestampFromTime(time.Now())
		next := d.untilNextWakeup(now)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

func (d *Driver) untilNextWakeup(now types.Timestamp) time.Duration {
	at, ok := d.svc.NextWakeup()
	if !ok {
		return time.Second
	}
	delta := at.Sub(now)
	if delta <= 0 {
		return time.Millisecond
	}
	return delta
}

// Close shuts the transport and every open connection down.
func (d *Driver) Close() {
	d.closeOnce.Do(func() {
		close(d.closeCh)
		_ = d.transport.Close()
		d.mu.Lock()
		for _, c := range d.conns {
			_ = c.Close()
		}
		d.mu.Unlock()
	})
}

func (d *Driver) acceptLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		conn, err := d.transport.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			d.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		d.adopt(conn, types.Inbound)
	}
}

// adopt registers conn's reader loop and tells the service about the new
// session. Registering the conn in d.conns is safe off-loop (guarded by
// d.mu); the HandleConnected call itself is submitted to the loop.
func (d *Driver) adopt(conn Conn, link types.Link) {
	node := conn.RemoteNode()
	d.mu.Lock()
	if old, ok := d.conns[node]; ok {
		_ = old.Close()
	}
	d.conns[node] = conn
	d.mu.Unlock()

	d.submit(func(now types.Timestamp) {
		d.svc.HandleConnected(node, conn.RemoteAddr(), link, now)
	})

	d.wg.Add(1)
	go d.readLoop(conn, node)
}

func (d *Driver) readLoop(conn Conn, node types.NodeID) {
	defer d.wg.Done()
	for {
		msg, err := wire.Decode(conn)
		if err != nil {
			d.dropConn(node, types.NewReason(types.ReasonTransport, connErrDetail(err)))
			return
		}
		d.submit(func(now types.Timestamp) {
			d.svc.HandleMessage(node, msg, now)
		})
	}
}

func connErrDetail(err error) string {
	if err == io.EOF {
		return "connection closed"
	}
	return err.Error()
}

func (d *Driver) dropConn(node types.NodeID, reason types.DisconnectReason) {
	d.mu.Lock()
	conn, ok := d.conns[node]
	delete(d.conns, node)
	d.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
	d.submit(func(now types.Timestamp) {
		d.svc.HandleDisconnected(node, reason, now)
	})
}

// pumpOutbox executes every intent the service queued since the last
// drain. Called only from Run's loop, right after a call into svc.
func (d *Driver) pumpOutbox(ctx context.Context) {
	for _, intent := range d.svc.Outbox() {
		switch intent.Kind {
		case outbox.Connect:
			go d.handleConnectIntent(ctx, intent)
		case outbox.Disconnect:
			d.dropConn(intent.Node, intent.Reason)
		case outbox.Write:
			d.handleWriteIntent(intent)
		case outbox.Fetch:
			go d.handleFetchIntent(ctx, intent)
		case outbox.Wakeup:
			// no-op: the loop always re-evaluates NextWakeup after draining.
		}
	}
}

func (d *Driver) handleConnectIntent(ctx context.Context, intent outbox.Intent) {
	conn, err := d.transport.Dial(ctx, intent.Node, intent.Addr)
	if err != nil {
		d.log.Warn().Err(err).Str("node", intent.Node.String()).Msg("dial failed")
		d.submit(func(now types.Timestamp) {
			d.svc.HandleConnectFailed(intent.Node, now)
		})
		return
	}
	d.adopt(conn, types.Outbound)
}

// handleWriteIntent writes directly on the calling (Run-loop) goroutine:
// wire.Encode only touches the conn, never the service, so no submit is
// needed here.
func (d *Driver) handleWriteIntent(intent outbox.Intent) {
	d.mu.Lock()
	conn, ok := d.conns[intent.Node]
	d.mu.Unlock()
	if !ok {
		return
	}
	if err := wire.Encode(conn, intent.Message); err != nil {
		d.dropConn(intent.Node, types.NewReason(types.ReasonTransport, "write failed"))
	}
}

func (d *Driver) handleFetchIntent(ctx context.Context, intent outbox.Intent) {
	fctx := ctx
	var cancel context.CancelFunc
	if intent.Timeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, intent.Timeout)
		defer cancel()
	}
	err := d.fetcher.Fetch(fctx, intent.Node, intent.Repo, intent.Scope, intent.Timeout)
	d.submit(func(now types.Timestamp) {
		d.svc.HandleFetchCompleted(intent.Node, intent.FetchID, intent.Repo, err, now)
	})
}

// ServeControl accepts control-channel connections on listener until
// ctx is cancelled, handling each one's command stream with the
// service's synchronous dispatcher.
func (d *Driver) ServeControl(ctx context.Context, listener net.Listener) error {
	d.wg.Add(1)
	defer d.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		d.wg.Add(1)
		go d.serveControlConn(conn)
	}
}

func (d *Driver) serveControlConn(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()

	dec := control.NewDecoder(conn)
	enc := control.NewEncoder(conn)
	for {
		cmd, err := dec.DecodeCommand()
		if err != nil {
			return
		}

		respCh := make(chan control.Response, 1)
		d.submit(func(now types.Timestamp) {
			respCh <- d.svc.HandleCommand(cmd, now)
		})

		var resp control.Response
		select {
		case resp = <-respCh:
		case <-d.closeCh:
			return
		}
		if err := enc.EncodeResponse(resp); err != nil {
			return
		}
		if cmd.Type == control.CmdSubscribe && resp.OK {
			d.streamEvents(conn, enc, cmd)
			return
		}
		if cmd.Type == control.CmdShutdown && resp.OK {
			// Respond first, then tear the driver down (spec.md §6:
			// shutdown drains the outbox and terminates).
			go d.Close()
			return
		}
	}
}

// streamEvents takes over conn once a subscribe command succeeds: the
// control protocol becomes one-way from here, pushing every matching
// event as its own framed response (spec.md §6: subscribe is a
// long-lived command, not request/response). It returns once the
// subscriber channel is closed (driver shutdown) or a write fails
// (client disconnected).
func (d *Driver) streamEvents(conn net.Conn, enc *control.Encoder, cmd control.Command) {
	var params control.SubscribeParams
	if len(cmd.Params) > 0 {
		_ = control.UnmarshalParams(cmd.Params, &params)
	}
	want := make(map[string]bool, len(params.Repos))
	for _, r := range params.Repos {
		want[r] = true
	}

	sub := d.svc.Events().Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if len(want) > 0 && !ev.Repo.IsZero() && !want[ev.Repo.String()] {
				continue
			}
			if err := enc.EncodeResponse(control.OK(cmd.ID, eventView(ev))); err != nil {
				return
			}
		case <-d.closeCh:
			return
		}
	}
}

func eventView(ev events.Event) control.EventView {
	v := control.EventView{
		Kind:   ev.Kind.String(),
		Node:   ev.Node.String(),
		Repo:   ev.Repo.String(),
		At:     int64(ev.At),
		Detail: ev.Detail,
	}
	if ev.Err != nil {
		v.Error = ev.Err.Error()
	}
	return v
}
