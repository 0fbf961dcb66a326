// Package store persists cryptographic session state in a relational
// database so that decryption capability survives process restarts.
//
// # Architecture
//
// CryptoStore is the single interface; SQLStore implements it on
// database/sql with two dialects:
//
//   - sqlite (modernc.org/sqlite): development and tests
//   - postgres (lib/pq): production
//
// # Data Models
//
//   - Account: serialized identity-key blob per (user, device), with a
//     "shared" flag for whether identity keys have been published
//   - DeviceKey: public-key fingerprints and trust state per remote device
//   - InboundGroupSession: receiver-side group ratchet state keyed by
//     (room, session, sender key); first_known_index only ever decreases
//   - OlmSession: pairwise ratchet state for key-exchange traffic
//   - sync token: the stream continuation cursor, one row per account
//
// Session blobs are opaque: the store never deserializes them. They are
// produced and consumed only by the crypto engine, which keeps the schema
// decoupled from any particular crypto library's internal representation.
//
// # Degraded Mode
//
// If the database is unreachable when the store is constructed, the store
// runs without persistence: reads return empty/absent results, writes are
// silent no-ops. A transient error on an individual call is logged and
// absorbed the same way without changing availability. Nothing in this
// package crashes the caller over storage trouble.
//
// # Error Handling
//
//   - ErrNotFound: requested row does not exist (or store is unavailable)
//
// All methods accept context.Context and run against a bounded connection
// pool; no method holds more than one pooled connection at a time.
package store
