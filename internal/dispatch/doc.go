// Package dispatch implements the connection dispatcher (C5): a TCP
// listener, one goroutine per accepted connection reading framed requests,
// two bounded-channel priority queues (master and default), and two worker
// goroutines draining them under a single processing mutex.
//
// The cooperative single-threaded event loop in pyshard/core/server.py maps
// onto goroutines directly: the accept loop, each connection's reader, and
// the two workers are four kinds of concurrent activity coordinated by channels
// instead of an asyncio event loop's tasks and queues. Go's buffered
// channels give the bounded-queue backpressure (a full channel blocks the
// sender) for free, so no queue is hand-rolled.
package dispatch
