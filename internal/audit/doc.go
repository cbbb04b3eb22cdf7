// Package audit delivers security events to pluggable sinks without blocking
// the authentication path.
//
// A [Dispatcher] buffers events on a channel and relays them to a [Sink] from
// a single worker goroutine. When the buffer fills it either drops the event
// (recording a drop count) or applies backpressure, depending on
// configuration. Close drains the buffer before returning.
//
// The package decides nothing about which events exist or when they fire;
// that belongs to the engine. It imports no sibling packages and performs no
// I/O of its own beyond what the caller's Sink does.
package audit
