// Package tools is the transport-independent invocation path for
// non-connection callers: text-generation models acting through the
// orchestrator and MCP clients.
//
// A tool is a declared service method addressed as `<service>:<method>`.
// Invocations synthesize a caller from the durable access store and run
// through the same dispatch access check as a live connection; an optional
// per-agent allow-list (TOML) is applied on top and can only narrow what the
// principal may already do.
package tools
