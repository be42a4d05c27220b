// Package ws is the websocket transport for the dispatch registry.
//
// Each connection is upgraded once, carries an immutable handshake identity,
// and exchanges JSON frames:
//
//   - call:  {"id": N, "event": "service:method", "data": {...}}
//   - ack:   {"id": N, "success": true, "data": ...} or
//     {"id": N, "success": false, "error": "...", "code": 401|404|500}
//   - push:  {"event": "service:update:<entryId>", "data": ...}
//
// Every call frame produces exactly one ack with the same ID. Pushes are
// server-initiated and carry no ID. All writes go through a single write
// pump; a subscriber that cannot keep up loses pushes rather than stalling
// broadcasts. Duplicate call frames (client retransmits) are detected by the
// dedupe cache and dropped without a second execution.
package ws
