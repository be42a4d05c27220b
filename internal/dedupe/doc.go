// Package dedupe provides a TTL cache for dropping duplicate inbound frames.
//
// Clients may resend a frame after a timeout even though the first copy was
// processed. Each frame carries a client-assigned ID that is unique per
// connection; the cache tracks FrameKey(connID, frameID) values so a resent
// frame is acknowledged once and executed once.
package dedupe
