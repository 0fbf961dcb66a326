// Package api exposes the bridge over HTTP.
//
// # Endpoints
//
//	GET  /health                 liveness plus store availability
//	GET  /rooms                  joined rooms, ?platform= filters
//	GET  /rooms/{id}/messages    recent decrypted history, ?limit=
//	GET  /messages               cross-room feed, ?platform=&limit=
//	POST /send                   {"room_id": ..., "message": ...}
//	POST /webhook                {"url": ...} set or clear the forwarder
//	GET  /encryption/status      store and pipeline diagnostics
//	POST /sync                   force a backlog retry sweep
//
// All responses are JSON. Messages that could not be decrypted carry
// the placeholder body and "decrypted": false.
//
// # Webhook
//
// Live messages are pushed, not polled: the Webhook type is plugged in
// as the bridge's delivery sink and POSTs each message to the
// configured URL with a bounded timeout.
package api
