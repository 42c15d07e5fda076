// Package shardservice wires a shardcore.Engine to a dispatch.Server: it
// registers the concrete shard endpoint table (C6), enforces the
// Open/Locked state machine, and owns the single outbound relocation pipe.
// Grounded on pyshard/shard/server.py's ShardServer.
package shardservice

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/pyshard/internal/dispatch"
	"github.com/dreamware/pyshard/internal/rpcclient"
	"github.com/dreamware/pyshard/internal/shardcore"
	"github.com/dreamware/pyshard/internal/store"
)

// Errors returned by privileged operations; their text is the stable tag
// that begins the message surfaced to clients (wrapped errors append
// ": detail").
var (
	ErrAlreadyLocked = errors.New("AlreadyLocked")
	ErrNotLocked     = errors.New("NotLocked")
	ErrPipeOpen      = errors.New("PipeAlreadyOpen")
	ErrPipeMissing   = errors.New("PipeMissing")
	ErrPipeMismatch  = errors.New("PipeMismatch")
	ErrNoSuchChannel = errors.New("NoSuchChannel")
	ErrTokenRequired = errors.New("TokenRequired")
	ErrUnknownRole   = errors.New("UnknownRole")
)

// Service adapts an Engine to the dispatcher's handler signature and owns
// the lock flag and the one outbound relocation pipe.
type Service struct {
	engine *shardcore.Engine

	authEnabled bool
	bufferSize  int

	mu       sync.RWMutex
	locked   bool
	pipe     *rpcclient.ShardClient
	pipeAddr string
}

// New builds a shard service over engine. authEnabled controls whether
// change_role requires a token; bufferSize sizes the relocation pipe's
// connection framing.
func New(engine *shardcore.Engine, authEnabled bool, bufferSize int) *Service {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Service{engine: engine, authEnabled: authEnabled, bufferSize: bufferSize}
}

// Locked reports whether the shard currently refuses requires-unlocked
// endpoints. Suitable as dispatch.Server.SetLockedFunc's predicate.
func (s *Service) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked
}

// Register installs every C6 endpoint onto srv.
func (s *Service) Register(srv *dispatch.Server) {
	master := map[string]bool{dispatch.MasterGroup: true}

	srv.Register("write", dispatch.Registration{RequiresUnlocked: true, Handler: s.write})
	srv.Register("has", dispatch.Registration{RequiresUnlocked: true, Handler: s.has})
	srv.Register("read", dispatch.Registration{RequiresUnlocked: true, Handler: s.read})
	srv.Register("pop", dispatch.Registration{RequiresUnlocked: true, Handler: s.pop})
	srv.Register("remove", dispatch.Registration{RequiresUnlocked: true, Handler: s.remove})

	srv.Register("create_index", dispatch.Registration{Handler: s.createIndex})
	srv.Register("drop_index", dispatch.Registration{Handler: s.dropIndex})
	srv.Register("keys", dispatch.Registration{Handler: s.keys})

	srv.Register("get_stat", dispatch.Registration{RequiresUnlocked: true, Handler: s.getStat})
	srv.Register("get_name", dispatch.Registration{RequiresUnlocked: true, Handler: s.getName})

	srv.Register("set_start", dispatch.Registration{Groups: master, Handler: s.setStart})
	srv.Register("set_end", dispatch.Registration{Groups: master, Handler: s.setEnd})
	srv.Register("set_maxsize", dispatch.Registration{Groups: master, Handler: s.setMaxSize})
	srv.Register("set_name", dispatch.Registration{Groups: master, Handler: s.setName})
	srv.Register("update_distr", dispatch.Registration{Groups: master, Handler: s.updateDistr})

	srv.Register("lock_shard", dispatch.Registration{Groups: master, Handler: s.lockShard})
	srv.Register("release_shard", dispatch.Registration{Groups: master, Handler: s.releaseShard})

	srv.Register("change_role", dispatch.Registration{RequiresUnlocked: true, Handler: s.changeRole})
	srv.Register("open_pipe", dispatch.Registration{RequiresUnlocked: true, Handler: s.openPipe})
	srv.Register("close_pipe", dispatch.Registration{RequiresUnlocked: true, Handler: s.closePipe})
	srv.Register("reloc", dispatch.Registration{RequiresUnlocked: true, Handler: s.reloc})

	srv.SetLockedFunc(s.Locked)
}

func recordMessage(rec store.Record, ok bool) any {
	if !ok {
		return nil
	}
	return map[string]any{"hash_": rec.Hash, "record": rec.Payload}
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("shardservice: missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("shardservice: argument %d is not a string: %#v", i, args[i])
	}
	return s, nil
}

func argFloat(args []any, i int) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("shardservice: missing argument %d", i)
	}
	f, ok := args[i].(float64)
	if !ok {
		return 0, fmt.Errorf("shardservice: argument %d is not a number: %#v", i, args[i])
	}
	return f, nil
}

func argAny(args []any, i int) (any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("shardservice: missing argument %d", i)
	}
	return args[i], nil
}

func kwargFloat(kwargs map[string]any, key string) (float64, error) {
	v, ok := kwargs[key]
	if !ok {
		return 0, fmt.Errorf("shardservice: missing kwarg %q", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("shardservice: kwarg %q is not a number: %#v", key, v)
	}
	return f, nil
}

func kwargAny(kwargs map[string]any, key string) any {
	return kwargs[key]
}

func kwargString(kwargs map[string]any, key string) string {
	s, _ := kwargs[key].(string)
	return s
}
