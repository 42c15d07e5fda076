// Package protocol implements the wire format shared by every connection in
// the cluster: a 4-byte little-endian length prefix followed by exactly that
// many bytes of UTF-8 text, plus the request/response envelope carried in
// that text.
//
// Framer is the low-level framing primitive and is used two ways:
//   - Conn wraps it over a plain net.Conn for synchronous, one-request-in-
//     flight client use (C9).
//   - AsyncConn wraps it with context-aware deadlines so the dispatcher (C5)
//     can run one goroutine per connection as a cooperative task that
//     suspends only at I/O, matching the source's asyncio event loop without
//     needing a non-blocking reactor of its own.
//
// Both variants read and write the identical format; there is exactly one
// wire protocol in this package.
package protocol
