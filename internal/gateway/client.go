package gateway

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/basketmesh/basketmesh/pkg/proto"
)

// ConsoleClient talks to a gateway console.
type ConsoleClient struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// DialConsole connects to the console at addr. timeout bounds every call.
func DialConsole(ctx context.Context, addr string, timeout time.Duration) (*ConsoleClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial console: %w", err)
	}
	return &ConsoleClient{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, consoleMaxLine),
		timeout: timeout,
	}, nil
}

// Close closes the connection.
func (c *ConsoleClient) Close() error {
	return c.conn.Close()
}

func (c *ConsoleClient) send(op proto.Opcode, operand interface{}) error {
	env, err := proto.NewCommand(op, operand)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	return nil
}

func (c *ConsoleClient) call(op proto.Opcode, operand, out interface{}) error {
	if err := c.send(op, operand); err != nil {
		return err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	resp, err := proto.ParseEnvelope(line)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Nop checks that the gateway answers.
func (c *ConsoleClient) Nop() error {
	return c.call(proto.OpNop, nil, nil)
}

// Status fetches every cache statistic. Reading it resets the hit counters.
func (c *ConsoleClient) Status() (map[string]uint64, error) {
	var res proto.StatusResponse
	if err := c.call(proto.OpStatus, nil, &res); err != nil {
		return nil, err
	}
	return res.Status, nil
}

// Purge erases every entry of the given peers.
func (c *ConsoleClient) Purge(peers ...string) (map[string]int, error) {
	var res proto.PurgeResponse
	if err := c.call(proto.OpPurge, proto.PurgeRequest{Peers: peers}, &res); err != nil {
		return nil, err
	}
	return res.Purged, nil
}

// Dump copies the text dump to w, without its terminating blank line.
func (c *ConsoleClient) Dump(w io.Writer, peers ...string) error {
	if err := c.send(proto.OpDump, proto.DumpRequest{Peers: peers}); err != nil {
		return err
	}

	first := true
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("read dump: %w", err)
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return nil
		}
		if first && bytes.HasPrefix(line, []byte(`["`)) {
			if resp, perr := proto.ParseEnvelope(line); perr == nil && resp.Direction == proto.Response {
				return resp.Err()
			}
		}
		first = false
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
}
