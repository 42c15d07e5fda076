package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dreamware/pyshard/internal/logging"
	"github.com/dreamware/pyshard/internal/metricsx"
	"github.com/dreamware/pyshard/internal/protocol"
)

// Errors a handler may return to steer the envelope the worker writes back.
// Their Error() text is a stable string tag. The worker sends err.Error()
// as the message, so ClientError.Code() is the bare tag for an unwrapped
// error and the tag followed by ": detail" for a wrapped one.
var (
	ErrShardLocked      = errors.New("ShardLocked")
	ErrPermissionDenied = errors.New("PermissionDenied")
	ErrUnknownEndpoint  = errors.New("UnknownEndpoint")
	ErrAuthError        = errors.New("AuthError")
)

// HandlerFunc executes one endpoint's business logic. It runs with the
// processing mutex held, so it must not block on further network I/O
// (the sole sanctioned exception is reloc's remote pop through its pipe).
type HandlerFunc func(ch *Channel, args []any, kwargs map[string]any) (any, error)

// Registration is one endpoint's entry in the static routing table:
// its handler, the privilege groups allowed to call it (nil/empty means
// unrestricted), and whether it refuses while the shard is locked.
type Registration struct {
	Handler          HandlerFunc
	Groups           map[string]bool
	RequiresUnlocked bool
}

type job struct {
	ch       *Channel
	endpoint string
	args     []any
	kwargs   map[string]any
}

// Server is the connection dispatcher: single listener, one goroutine per
// accepted connection, two bounded-channel priority queues, two worker
// goroutines, and a processing mutex serializing every handler invocation.
// Grounded on pyshard/core/server.py's ServerBase.
type Server struct {
	addr       string
	bufferSize int

	authEnabled bool
	tokens      map[string]string // token -> permission group
	authTimeout time.Duration

	routes map[string]Registration

	masterQueue  chan job
	defaultQueue chan job

	processingMu sync.Mutex

	lockedFunc func() bool

	metrics *metricsx.Registry
	log     zerologLogger

	mu       sync.Mutex
	listener net.Listener
	channels map[string]*Channel
	wg       sync.WaitGroup
	closing  chan struct{}
}

// zerologLogger is the narrow slice of zerolog.Logger this package uses,
// kept as an interface only so tests can swap in a no-op without pulling
// in the real sink.
type zerologLogger interface {
	Warnf(format string, args ...any)
	Debugf(format string, args ...any)
}

type stdLogger struct{}

func (stdLogger) Warnf(format string, args ...any) {
	logging.With("dispatch").Warn().Msgf(format, args...)
}

func (stdLogger) Debugf(format string, args ...any) {
	logging.With("dispatch").Debug().Msgf(format, args...)
}

// Options configures a Server at construction time.
type Options struct {
	BufferSize  int // default queue capacity B; master queue gets B/2
	AuthEnabled bool
	Tokens      map[string]string // bearer token -> permission group
	AuthTimeout time.Duration
	Metrics     *metricsx.Registry
}

// NewServer builds a dispatcher bound to addr. Call Register for every
// endpoint before ListenAndServe.
func NewServer(addr string, opts Options) *Server {
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	authTimeout := opts.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = 5 * time.Second
	}

	return &Server{
		addr:         addr,
		bufferSize:   bufferSize,
		authEnabled:  opts.AuthEnabled,
		tokens:       opts.Tokens,
		authTimeout:  authTimeout,
		routes:       make(map[string]Registration),
		masterQueue:  make(chan job, bufferSize/2),
		defaultQueue: make(chan job, bufferSize),
		metrics:      opts.Metrics,
		log:          stdLogger{},
		channels:     make(map[string]*Channel),
		closing:      make(chan struct{}),
	}
}

// Register adds an endpoint to the static routing table. groups is the set
// of permission groups allowed to call it; nil or empty means unrestricted.
func (s *Server) Register(name string, reg Registration) {
	s.routes[name] = reg
}

// SetLockedFunc installs the predicate RequiresUnlocked registrations are
// checked against. Must be called before ListenAndServe.
func (s *Server) SetLockedFunc(f func() bool) {
	s.lockedFunc = f
}

// ListenAndServe binds the listener and runs the accept loop and both
// workers until ctx is cancelled, then drains the queues and closes every
// channel before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dispatch: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runWorker(s.masterQueue)
	go s.runWorker(s.defaultQueue)

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	s.acceptLoop(ln)
	s.wg.Wait()
	return nil
}

// shutdown closes the listener and every tracked channel, and signals the
// workers to stop once their queues drain.
func (s *Server) shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, ch := range s.channels {
		ch.close()
	}
	s.mu.Unlock()

	close(s.closing)
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
				s.log.Warnf("accept: %v", err)
				return
			}
		}

		ch := newChannel(conn, s.bufferSize)
		if err := s.authenticate(ch); err != nil {
			s.log.Warnf("addr=%s auth failed: %v", ch.Addr, err)
			ch.close()
			continue
		}

		s.mu.Lock()
		s.channels[ch.ID] = ch
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveChannel(ch)
	}
}

// authenticate reads one raw framed token, ahead of any request envelope,
// when auth is enabled. Grounded on pyshard/core/server.py's _auth/
// retrieve_token: the token is not JSON-wrapped.
func (s *Server) authenticate(ch *Channel) error {
	if !s.authEnabled {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.authTimeout)
	defer cancel()

	raw, err := ch.conn.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading token: %v", ErrAuthError, err)
	}

	group, ok := s.tokens[string(raw)]
	if !ok {
		return fmt.Errorf("%w: unknown token", ErrAuthError)
	}

	ch.setToken(string(raw))
	ch.SetPermissionGroup(group)
	return nil
}

// serveChannel reads framed requests from ch until it closes, classifying
// each into the master or default queue. Unknown endpoints are rejected
// immediately rather than enqueued, since no handler exists to run them.
func (s *Server) serveChannel(ch *Channel) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.channels, ch.ID)
		s.mu.Unlock()
		ch.close()
	}()

	for {
		raw, err := ch.conn.Recv(context.Background())
		if err != nil {
			if !errors.Is(err, protocol.ErrConnectionClosed) {
				s.log.Warnf("addr=%s: %v", ch.Addr, err)
			}
			return
		}

		req, err := protocol.DecodeRequest(raw)
		if err != nil {
			s.log.Warnf("addr=%s: couldn't parse request: %v", ch.Addr, err)
			return
		}

		if _, known := s.routes[req.Endpoint]; !known {
			s.respond(ch, protocol.Error(ErrUnknownEndpoint.Error()))
			continue
		}

		j := job{ch: ch, endpoint: req.Endpoint, args: req.Args, kwargs: req.Kwargs}
		if ch.IsMaster() {
			s.masterQueue <- j
			s.observeQueueDepth("master", s.masterQueue)
		} else {
			s.defaultQueue <- j
			s.observeQueueDepth("default", s.defaultQueue)
		}
	}
}

// observeQueueDepth reports a priority queue's backlog after an enqueue or
// dequeue. A no-op when no metrics registry was configured.
func (s *Server) observeQueueDepth(queue string, ch chan job) {
	if s.metrics == nil {
		return
	}
	s.metrics.SetQueueDepth(queue, len(ch))
}

func (s *Server) respond(ch *Channel, resp protocol.Response) {
	payload, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.log.Warnf("addr=%s: couldn't encode response: %v", ch.Addr, err)
		return
	}
	if err := ch.conn.Send(context.Background(), payload); err != nil {
		s.log.Warnf("addr=%s: couldn't send response: %v", ch.Addr, err)
	}
}

func (s *Server) runWorker(queue chan job) {
	defer s.wg.Done()
	name := s.queueName(queue)
	for {
		select {
		case j := <-queue:
			s.observeQueueDepth(name, queue)
			s.execute(j)
		case <-s.closing:
			s.drain(queue)
			return
		}
	}
}

func (s *Server) queueName(queue chan job) string {
	if queue == s.masterQueue {
		return "master"
	}
	return "default"
}

// drain finishes any already-queued jobs after shutdown begins, so a
// request accepted before cancellation still gets a reply.
func (s *Server) drain(queue chan job) {
	for {
		select {
		case j := <-queue:
			s.execute(j)
		default:
			return
		}
	}
}

func (s *Server) execute(j job) {
	started := time.Now()
	reg := s.routes[j.endpoint]

	err := s.checkPermission(j.ch, j.endpoint, reg)
	if err == nil {
		err = s.checkLocked(reg)
	}

	var result any
	if err == nil {
		s.processingMu.Lock()
		result, err = reg.Handler(j.ch, j.args, j.kwargs)
		s.processingMu.Unlock()
	}

	if s.metrics != nil {
		s.metrics.ObserveRequest(j.endpoint, err, time.Since(started))
	}

	if err != nil {
		s.respond(j.ch, protocol.Error(err.Error()))
		return
	}
	s.respond(j.ch, protocol.Success(result))
}

func (s *Server) checkPermission(ch *Channel, endpoint string, reg Registration) error {
	if len(reg.Groups) == 0 {
		return nil
	}
	if reg.Groups[ch.PermissionGroup()] {
		return nil
	}
	return fmt.Errorf("%w: endpoint %q not allowed for group %q", ErrPermissionDenied, endpoint, ch.PermissionGroup())
}

func (s *Server) checkLocked(reg Registration) error {
	if !reg.RequiresUnlocked || s.lockedFunc == nil {
		return nil
	}
	if s.lockedFunc() {
		return ErrShardLocked
	}
	return nil
}
