// Package pushchan maintains the push channel to the conversion service. It
// delivers server events as a stream, sends client commands such as joining a
// task group, and reconnects with capped exponential backoff when the stream
// drops. Event ordering and deduplication are the relay's concern, not this
// package's.
package pushchan
