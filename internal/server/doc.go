// ABOUTME: Package doc for server
// ABOUTME: Describes the top-level gateway assembly

// Package server assembles the full gateway process: the sqlite store, the
// conversation and user services, the dispatch registry, the websocket
// transport, and the MCP endpoint, all behind one HTTP server.
//
// The server listens on a plain TCP address by default, or joins a tailnet
// via tsnet when tailscale.enabled is set. Run blocks until the context is
// canceled and then shuts everything down with a bounded grace period.
package server
