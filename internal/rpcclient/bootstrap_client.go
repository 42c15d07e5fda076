package rpcclient

import "fmt"

// BootstrapClient is a typed RPC stub for the bootstrap service (C8)
// endpoint table: get_map, get_shard, create_index, drop_index, stat.
type BootstrapClient struct {
	*Client
}

// NewBootstrapClient wraps an already-dialed Client.
func NewBootstrapClient(c *Client) *BootstrapClient {
	return &BootstrapClient{Client: c}
}

// DialBootstrap connects to the bootstrap service at addr.
func DialBootstrap(addr string, bufferSize int) (*BootstrapClient, error) {
	c, err := Dial(addr, bufferSize)
	if err != nil {
		return nil, err
	}
	return NewBootstrapClient(c), nil
}

// GetMap returns the bucket-start -> shard-address topology.
func (c *BootstrapClient) GetMap() (map[float64]string, error) {
	msg, err := c.Call("get_map", nil, nil)
	if err != nil {
		return nil, err
	}
	obj, ok := msg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rpcclient: unexpected get_map shape: %#v", msg)
	}

	out := make(map[float64]string, len(obj))
	for k, v := range obj {
		var bin float64
		if _, err := fmt.Sscanf(k, "%g", &bin); err != nil {
			return nil, fmt.Errorf("rpcclient: malformed bucket key %q: %w", k, err)
		}
		addr, _ := v.(string)
		out[bin] = addr
	}
	return out, nil
}

// GetShard hashes (index, key) on the bootstrap and returns the owning
// shard's point and address.
func (c *BootstrapClient) GetShard(index string, key any) (float64, string, error) {
	msg, err := c.Call("get_shard", []any{index, key}, nil)
	if err != nil {
		return 0, "", err
	}
	items, ok := msg.([]any)
	if !ok || len(items) != 2 {
		return 0, "", fmt.Errorf("rpcclient: unexpected get_shard shape: %#v", msg)
	}
	hash, _ := items[0].(float64)
	addr, _ := items[1].(string)
	return hash, addr, nil
}

// CreateIndex fans an index creation out to every shard.
func (c *BootstrapClient) CreateIndex(index string) error {
	_, err := c.Call("create_index", []any{index}, nil)
	return err
}

// DropIndex fans an index removal out to every shard.
func (c *BootstrapClient) DropIndex(index string) error {
	_, err := c.Call("drop_index", []any{index}, nil)
	return err
}

// Stat returns the per-shard observability aggregate.
func (c *BootstrapClient) Stat() (any, error) {
	return c.Call("stat", nil, nil)
}
