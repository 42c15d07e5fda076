// Package rpcclient implements the thin RPC stub (C9): build a request
// envelope, send it framed, read and decode the response, and surface a
// ClientError on a "error" response type. One Client equals one connection,
// one request in flight at a time — it is not safe for concurrent use.
// Grounded on pyshard/core/client.py's ClientBase/_execute/_handle_response.
package rpcclient

import (
	"fmt"
	"net"
	"time"

	"github.com/dreamware/pyshard/internal/protocol"
)

// ClientError wraps a server-side error envelope's message. Code returns a
// best-effort string form of the message, matching the original's
// ClientError exposing err.args as a matchable value rather than free text.
type ClientError struct {
	Message any
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("rpcclient: server error: %v", e.Message)
}

// Code renders Message as a string when the server sent a string tag (the
// convention handlers in this repo use for machine-matchable errors).
func (e *ClientError) Code() string {
	if s, ok := e.Message.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", e.Message)
}

// Client is the base synchronous RPC stub shared by user-facing connections
// and shard-to-shard relocation pipes.
type Client struct {
	conn *protocol.Conn
	addr string
}

// Dial connects to addr and wraps the connection in the framed protocol.
func Dial(addr string, bufferSize int) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", addr, err)
	}
	return &Client{conn: protocol.NewConn(conn, bufferSize), addr: addr}, nil
}

// Addr returns the address this client connects to. It satisfies
// bucket.Addressed, and together with ShardClient.Pop, shardcore.Peer.
func (c *Client) Addr() string {
	return c.addr
}

// LocalAddr returns the client's local socket address, used for
// change_role's self-identification (the original's getsockname()).
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Authenticate sends a bearer token as a single raw frame, ahead of any
// request envelope. It mirrors retrieve_token's direct (non-enveloped) read
// on the server side.
func (c *Client) Authenticate(token string) error {
	return c.conn.Send([]byte(token))
}

// Call invokes endpoint with args/kwargs and returns the decoded message, or
// a *ClientError if the server responded with type=="error".
func (c *Client) Call(endpoint string, args []any, kwargs map[string]any) (any, error) {
	payload, err := protocol.EncodeRequest(protocol.Request{Endpoint: endpoint, Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, fmt.Errorf("rpcclient: encode request %s: %w", endpoint, err)
	}
	if err := c.conn.Send(payload); err != nil {
		return nil, fmt.Errorf("rpcclient: send %s: %w", endpoint, err)
	}

	raw, err := c.conn.Recv()
	if err != nil {
		return nil, fmt.Errorf("rpcclient: recv response to %s: %w", endpoint, err)
	}

	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: decode response to %s: %w", endpoint, err)
	}
	if resp.Type == protocol.ResponseError {
		return nil, &ClientError{Message: resp.Message}
	}
	return resp.Message, nil
}

// connectTimeout bounds the dial in DialTimeout, used by privileged
// bootstrap connections where a hung shard must not stall startup forever.
const connectTimeout = 5 * time.Second

// DialTimeout is Dial with an explicit connect deadline.
func DialTimeout(addr string, bufferSize int, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = connectTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: dial %s: %w", addr, err)
	}
	return &Client{conn: protocol.NewConn(conn, bufferSize), addr: addr}, nil
}
