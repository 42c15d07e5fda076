package bootstrap

import (
	"fmt"

	"github.com/dreamware/pyshard/internal/dispatch"
)

// Register installs the bootstrap's four topology endpoints plus the
// supplemented stat fan-out onto srv. None of them are privilege- or
// lock-gated: the bootstrap itself has no data-plane state to protect.
func (s *Service) Register(srv *dispatch.Server) {
	srv.Register("get_map", dispatch.Registration{Handler: s.getMap})
	srv.Register("get_shard", dispatch.Registration{Handler: s.getShard})
	srv.Register("create_index", dispatch.Registration{Handler: s.createIndex})
	srv.Register("drop_index", dispatch.Registration{Handler: s.dropIndex})
	srv.Register("stat", dispatch.Registration{Handler: s.stat})
}

func (s *Service) getMap(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	topology := s.master.GetMap()
	out := make(map[string]any, len(topology))
	for bin, addr := range topology {
		out[fmt.Sprintf("%g", bin)] = addr
	}
	return out, nil
}

func (s *Service) getShard(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("bootstrap: get_shard requires (index, key)")
	}
	index, _ := args[0].(string)
	hash, shard := s.master.GetShard(index, args[1])
	return []any{hash, shard.Addr()}, nil
}

func (s *Service) createIndex(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("bootstrap: create_index requires (index)")
	}
	index, _ := args[0].(string)
	for _, shard := range s.master.Shards() {
		if err := shard.CreateIndex(index); err != nil {
			return nil, fmt.Errorf("bootstrap: create_index on %s: %w", shard.Addr(), err)
		}
	}
	return nil, nil
}

func (s *Service) dropIndex(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("bootstrap: drop_index requires (index)")
	}
	index, _ := args[0].(string)
	for _, shard := range s.master.Shards() {
		if err := shard.DropIndex(index); err != nil {
			return nil, fmt.Errorf("bootstrap: drop_index on %s: %w", shard.Addr(), err)
		}
	}
	return nil, nil
}

// stat fans get_stat out to every shard and returns the aggregate keyed by
// address. This endpoint has no counterpart in the original's bootstrap
// server, which only ever advertised topology; it is a supplemented
// feature filling out §4.8 step 6's otherwise-unimplemented "stat".
func (s *Service) stat(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	out := make(map[string]any, len(s.shards))
	for _, shard := range s.shards {
		st, err := shard.GetStat()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: get_stat on %s: %w", shard.Addr(), err)
		}
		out[shard.Addr()] = st
	}
	return out, nil
}
