package dispatch

import (
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/pyshard/internal/protocol"
)

// MasterGroup is the privilege class reserved for the bootstrap's
// privileged connections. Other groups can only be assigned through the
// auth token table; the shard service's change_role accepts MasterGroup or
// the empty (anonymous) group only.
const MasterGroup = "master"

// Channel is the per-connection state the dispatcher tracks: the accepted
// socket, the peer's address, its post-authentication token, and the
// derived permission group. Grounded on pyshard/core/server.py's _Channel.
type Channel struct {
	ID   string
	Addr string

	conn *protocol.AsyncConn

	mu              sync.RWMutex
	token           string
	permissionGroup string
}

func newChannel(conn net.Conn, bufferSize int) *Channel {
	return &Channel{
		ID:   uuid.NewString(),
		Addr: conn.RemoteAddr().String(),
		conn: protocol.NewAsyncConn(conn, bufferSize),
	}
}

// Token returns the channel's authentication token, empty if unset.
func (c *Channel) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Channel) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// PermissionGroup returns the channel's current privilege class.
func (c *Channel) PermissionGroup() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permissionGroup
}

// SetPermissionGroup updates the channel's privilege class, used by
// change_role to promote a connection to master after bootstrap
// acquires its role.
func (c *Channel) SetPermissionGroup(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permissionGroup = group
}

// IsMaster reports whether the channel currently carries the master
// privilege class, the test used to route requests into the master queue.
func (c *Channel) IsMaster() bool {
	return c.PermissionGroup() == MasterGroup
}

func (c *Channel) close() error {
	return c.conn.Close()
}
