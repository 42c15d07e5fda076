package rpcclient

import (
	"context"
	"fmt"

	"github.com/dreamware/pyshard/internal/store"
)

// ShardClient is a typed RPC stub for the shard service (C6) endpoint
// table. It also satisfies shardcore.Peer and bucket.Addressed, so the same
// type serves as a relocation pipe, a bootstrap-programmed shard reference,
// and a direct-connect client.
type ShardClient struct {
	*Client
}

// NewShardClient wraps an already-dialed Client.
func NewShardClient(c *Client) *ShardClient {
	return &ShardClient{Client: c}
}

// DialShard connects to a shard at addr.
func DialShard(addr string, bufferSize int) (*ShardClient, error) {
	c, err := Dial(addr, bufferSize)
	if err != nil {
		return nil, err
	}
	return NewShardClient(c), nil
}

// DialShardTimeout connects to a shard at addr with the default connect
// timeout, used by the bootstrap service where a hung shard must not stall
// startup indefinitely.
func DialShardTimeout(addr string, bufferSize int) (*ShardClient, error) {
	c, err := DialTimeout(addr, bufferSize, 0)
	if err != nil {
		return nil, err
	}
	return NewShardClient(c), nil
}

func decodeRecord(message any) (store.Record, bool, error) {
	if message == nil {
		return store.Record{}, false, nil
	}
	obj, ok := message.(map[string]any)
	if !ok {
		return store.Record{}, false, fmt.Errorf("rpcclient: unexpected record shape: %#v", message)
	}
	hash, _ := obj["hash_"].(float64)
	return store.Record{Hash: hash, Payload: obj["record"]}, true, nil
}

func recordArgs(rec store.Record) map[string]any {
	return map[string]any{"hash_": rec.Hash, "record": rec.Payload}
}

// Write stores payload under (index, key) with its precomputed hash.
// Returns the bytes-written indicator the shard sends back (0 for a
// duplicate key, per the write() semantics).
func (c *ShardClient) Write(index, key string, hash float64, payload any) (float64, error) {
	msg, err := c.Call("write", []any{index, key}, map[string]any{"hash_": hash, "record": payload})
	if err != nil {
		return 0, err
	}
	n, _ := msg.(float64)
	return n, nil
}

// Read returns the record at (index, key), or ok=false if absent.
func (c *ShardClient) Read(index, key string) (store.Record, bool, error) {
	msg, err := c.Call("read", []any{index, key}, nil)
	if err != nil {
		return store.Record{}, false, err
	}
	return decodeRecord(msg)
}

// Has reports whether (index, key) exists on the shard.
func (c *ShardClient) Has(index, key string) (bool, error) {
	msg, err := c.Call("has", []any{index, key}, nil)
	if err != nil {
		return false, err
	}
	b, _ := msg.(bool)
	return b, nil
}

// Pop returns and removes the record at (index, key). It satisfies
// shardcore.Peer, taking a context even though this synchronous stub
// ignores cancellation mid-call.
func (c *ShardClient) Pop(_ context.Context, index, key string) (store.Record, bool, error) {
	msg, err := c.Call("pop", []any{index, key}, nil)
	if err != nil {
		return store.Record{}, false, err
	}
	return decodeRecord(msg)
}

// Remove unconditionally drops (index, key).
func (c *ShardClient) Remove(index, key string) error {
	_, err := c.Call("remove", []any{index, key}, nil)
	return err
}

// CreateIndex creates a new index on the shard.
func (c *ShardClient) CreateIndex(index string) error {
	_, err := c.Call("create_index", []any{index}, nil)
	return err
}

// DropIndex removes an index from the shard.
func (c *ShardClient) DropIndex(index string) error {
	_, err := c.Call("drop_index", []any{index}, nil)
	return err
}

// Keys lists every key in index.
func (c *ShardClient) Keys(index string) ([]string, error) {
	msg, err := c.Call("keys", []any{index}, nil)
	if err != nil {
		return nil, err
	}
	items, _ := msg.([]any)
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

// GetStat returns the shard's observability snapshot as a raw message; the
// bootstrap decodes it further when aggregating.
func (c *ShardClient) GetStat() (any, error) {
	return c.Call("get_stat", nil, nil)
}

// GetName returns the shard's human-readable name.
func (c *ShardClient) GetName() (string, error) {
	msg, err := c.Call("get_name", nil, nil)
	if err != nil {
		return "", err
	}
	s, _ := msg.(string)
	return s, nil
}

// SetName sets the shard's human-readable name. Master-only.
func (c *ShardClient) SetName(name string) error {
	_, err := c.Call("set_name", []any{name}, nil)
	return err
}

// SetStart programs the shard's range start. Master-only.
func (c *ShardClient) SetStart(value float64) error {
	_, err := c.Call("set_start", []any{value}, nil)
	return err
}

// SetEnd programs the shard's range end. Master-only.
func (c *ShardClient) SetEnd(value float64) error {
	_, err := c.Call("set_end", []any{value}, nil)
	return err
}

// SetMaxSize programs the shard's byte budget. Master-only.
func (c *ShardClient) SetMaxSize(value int) error {
	_, err := c.Call("set_maxsize", []any{value}, nil)
	return err
}

// UpdateDistr asks the shard to recompute its histogram from scratch.
// Master-only.
func (c *ShardClient) UpdateDistr() error {
	_, err := c.Call("update_distr", nil, nil)
	return err
}

// LockShard transitions the shard Open -> Locked. Master-only, idempotence
// enforced server-side.
func (c *ShardClient) LockShard() error {
	_, err := c.Call("lock_shard", nil, nil)
	return err
}

// ReleaseShard transitions the shard Locked -> Open. Master-only,
// idempotence enforced server-side.
func (c *ShardClient) ReleaseShard() error {
	_, err := c.Call("release_shard", nil, nil)
	return err
}

// ChangeRole updates the permission group of the channel identified by
// selfAddr (the calling client's own local socket address) to role.
func (c *ShardClient) ChangeRole(selfAddr, role, token string) error {
	kwargs := map[string]any{}
	if token != "" {
		kwargs["token"] = token
	}
	_, err := c.Call("change_role", []any{selfAddr, role}, kwargs)
	return err
}

// OpenPipe opens a single outbound relocation pipe from this shard to the
// peer at host:port.
func (c *ShardClient) OpenPipe(host string, port int) error {
	_, err := c.Call("open_pipe", []any{host, port}, nil)
	return err
}

// ClosePipe closes the shard's outbound relocation pipe.
func (c *ShardClient) ClosePipe() error {
	_, err := c.Call("close_pipe", nil, nil)
	return err
}

// Reloc asks the shard to pull (index, key) from its open pipe to addr,
// writing it locally on success.
func (c *ShardClient) Reloc(index, key string, addr []any) error {
	_, err := c.Call("reloc", []any{index, key, addr}, nil)
	return err
}
