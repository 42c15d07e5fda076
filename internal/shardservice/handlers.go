package shardservice

import (
	"context"
	"fmt"

	"github.com/dreamware/pyshard/internal/dispatch"
	"github.com/dreamware/pyshard/internal/rpcclient"
)

func (s *Service) write(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	index, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	key, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	hash, err := kwargFloat(kwargs, "hash_")
	if err != nil {
		return nil, err
	}
	n, err := s.engine.Write(index, key, hash, kwargAny(kwargs, "record"))
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Service) has(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	index, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	key, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	return s.engine.Has(index, key)
}

func (s *Service) read(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	index, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	key, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	rec, ok, err := s.engine.Read(index, key)
	if err != nil {
		return nil, err
	}
	return recordMessage(rec, ok), nil
}

func (s *Service) pop(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	index, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	key, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	rec, ok, err := s.engine.Pop(index, key)
	if err != nil {
		return nil, err
	}
	return recordMessage(rec, ok), nil
}

func (s *Service) remove(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	index, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	key, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	return s.engine.Remove(index, key)
}

func (s *Service) createIndex(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	index, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	return nil, s.engine.CreateIndex(index)
}

func (s *Service) dropIndex(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	index, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	return nil, s.engine.DropIndex(index)
}

func (s *Service) keys(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	index, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	return s.engine.Keys(index)
}

func (s *Service) getStat(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	stat := s.engine.Stat()
	dist := make(map[string]int, len(stat.Distribution))
	for bin, count := range stat.Distribution {
		dist[fmt.Sprintf("%g", bin)] = count
	}
	return map[string]any{
		"name":         stat.Name,
		"start":        stat.Start,
		"end":          stat.End,
		"empty":        stat.Empty,
		"max_size":     stat.MaxSize,
		"size":         stat.Size,
		"free_mem":     stat.FreeMem,
		"distribution": dist,
	}, nil
}

func (s *Service) getName(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	return s.engine.Name(), nil
}

func (s *Service) setStart(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	value, err := argFloat(args, 0)
	if err != nil {
		return nil, err
	}
	s.engine.SetStart(value)
	return nil, nil
}

func (s *Service) setEnd(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	value, err := argFloat(args, 0)
	if err != nil {
		return nil, err
	}
	s.engine.SetEnd(value)
	return nil, nil
}

func (s *Service) setMaxSize(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	value, err := argFloat(args, 0)
	if err != nil {
		return nil, err
	}
	return nil, s.engine.SetMaxSize(int(value))
}

func (s *Service) setName(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	name, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	s.engine.SetName(name)
	return nil, nil
}

func (s *Service) updateDistr(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	s.engine.UpdateDistr()
	return nil, nil
}

func (s *Service) lockShard(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, ErrAlreadyLocked
	}
	s.locked = true
	return nil, nil
}

func (s *Service) releaseShard(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return nil, ErrNotLocked
	}
	s.locked = false
	return nil, nil
}

// changeRole updates the permission group of the channel identified by
// addr, which by convention is the caller's own local socket address
// (pyshard/shard/client.py's change_role passes self.getsockname()). The
// only channel a connection can legitimately identify this way is itself,
// so this mutates ch directly: addr is neither looked up in a separate
// registry nor compared against ch's address.
func (s *Service) changeRole(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	addr, err := argAny(args, 0)
	if err != nil {
		return nil, err
	}
	role, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	token := kwargString(kwargs, "token")

	if s.authEnabled && token == "" {
		return nil, ErrTokenRequired
	}
	if role != dispatch.MasterGroup && role != "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	_ = addr // the original's sanity check that addr == chan.addr; trusted here since ch is the caller's own channel

	ch.SetPermissionGroup(role)
	return nil, nil
}

func (s *Service) openPipe(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	host, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	port, err := argFloat(args, 1)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe != nil {
		return nil, fmt.Errorf("%w: %s", ErrPipeOpen, s.pipeAddr)
	}

	addr := fmt.Sprintf("%s:%d", host, int(port))
	client, err := rpcclient.DialShard(addr, s.bufferSize)
	if err != nil {
		return nil, fmt.Errorf("shardservice: open_pipe: %w", err)
	}
	s.pipe = client
	s.pipeAddr = addr
	return nil, nil
}

func (s *Service) closePipe(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe == nil {
		return nil, ErrPipeMissing
	}
	err := s.pipe.Close()
	s.pipe = nil
	s.pipeAddr = ""
	return nil, err
}

func (s *Service) reloc(ch *dispatch.Channel, args []any, kwargs map[string]any) (any, error) {
	index, err := argString(args, 0)
	if err != nil {
		return nil, err
	}
	key, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	addr, err := argAny(args, 2)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	pipe := s.pipe
	pipeAddr := s.pipeAddr
	s.mu.RUnlock()

	if pipe == nil {
		return nil, ErrPipeMissing
	}
	if got := formatAddr(addr); got != "" && got != pipeAddr {
		return nil, fmt.Errorf("%w: have %s, got %s", ErrPipeMismatch, pipeAddr, got)
	}

	return s.engine.Reloc(context.Background(), index, key, pipe)
}

// formatAddr renders a [host, port] pair (as decoded from a JSON array) the
// same way openPipe's stored pipeAddr is formatted, so reloc can compare
// the caller's claimed peer against the shard's actual open pipe.
func formatAddr(addr any) string {
	items, ok := addr.([]any)
	if !ok || len(items) != 2 {
		return ""
	}
	host, _ := items[0].(string)
	port, _ := items[1].(float64)
	if host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", host, int(port))
}
