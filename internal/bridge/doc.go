// Package bridge implements the encrypted-messaging client core: the
// lifecycle coordinator, the decryption pipeline and device trust for
// bridged chat networks.
//
// # Architecture
//
// The package is built around the Client interface, the boundary to the
// Matrix protocol implementation. Everything above it is
// protocol-agnostic:
//
//   - Bridge owns the lifecycle: recover persisted crypto state into
//     the live engine, catch up on the event stream, share group
//     sessions, trust bridge bot devices, run the sync loop, and flush
//     state back to the store on shutdown.
//   - Pipeline classifies inbound events and decrypts encrypted ones,
//     with a bounded-retry backlog for events whose key material has
//     not arrived yet and deduplicated key requests per session.
//   - TrustManager auto-trusts the devices of bridge bot accounts,
//     identified by user-id pattern.
//
// # Decryption Semantics
//
// Every encrypted event gets at most the configured number of decrypt
// attempts (three by default). While attempts remain, the event sits in
// the backlog and one key request per missing session is outstanding.
// Key material arriving via sync retries exactly the affected session's
// backlog; a periodic sweep retries everything else. At the cap the
// event is delivered as the "[undecryptable message]" placeholder with
// Decrypted=false and never retried again.
//
// Late retry successes are delivered through the sink out-of-band; they
// are never spliced back into already-delivered history.
//
// History reads resolve decryptable events in place but never spend
// retry attempts: events already in the backlog are skipped until their
// key arrives, so polling history cannot abandon a recoverable event.
//
// # Shutdown
//
// Close stops the sync loop, exports the crypto engine's state to the
// store, and closes the store, in that order. Each step runs even when
// an earlier one fails.
package bridge
