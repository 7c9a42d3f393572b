// Package cli implements knotctl's commands: one ffcli.Command per
// control-channel verb from spec.md §6, each dialing the node's unix
// socket, sending a single control.Command, and printing the response.
package cli

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/knotprotocol/knot/internal/control"
)

// RootFlags carries the flags shared by every subcommand.
type RootFlags struct {
	Socket string
}

// client holds one control-channel connection.
type client struct {
	conn net.Conn
	enc  *control.Encoder
	dec  *control.Decoder
}

func dial(socket string) (*client, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socket, err)
	}
	return &client{conn: conn, enc: control.NewEncoder(conn), dec: control.NewDecoder(conn)}, nil
}

func (c *client) Close() error { return c.conn.Close() }

// call sends a single command and waits for its matching response.
func (c *client) call(typ string, params interface{}) (control.Response, error) {
	cmd := control.Command{ID: newRequestID(), Type: typ}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return control.Response{}, fmt.Errorf("encode params: %w", err)
		}
		cmd.Params = b
	}
	if err := c.enc.EncodeCommand(cmd); err != nil {
		return control.Response{}, fmt.Errorf("send command: %w", err)
	}
	resp, err := c.dec.DecodeResponse()
	if err != nil {
		return control.Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// callInto sends a single command and decodes a successful result into out.
func (c *client) callInto(typ string, params interface{}, out interface{}) error {
	resp, err := c.call(typ, params)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Error)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

var requestSeq = rand.New(rand.NewSource(time.Now().UnixNano()))

func newRequestID() string {
	return fmt.Sprintf("knotctl-%d", requestSeq.Int63())
}

// run is the one-shot request/response helper every leaf command uses:
// dial, issue one command, decode its result, print it, disconnect.
func run(socket, typ string, params interface{}, out interface{}, print func()) error {
	c, err := dial(socket)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.callInto(typ, params, out); err != nil {
		return err
	}
	if print != nil {
		print()
	}
	return nil
}
