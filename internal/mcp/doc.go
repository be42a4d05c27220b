// Package mcp implements the Model Context Protocol server for external tool access.
//
// # Overview
//
// MCP (Model Context Protocol) is a standard for AI tool integration. This
// package exposes the tool registry to external model hosts (Claude Desktop,
// other LLMs, custom applications) over the MCP Streamable HTTP transport.
//
// # Protocol
//
// JSON-RPC 2.0 over HTTP POST to a single endpoint:
//
//   - POST /mcp - initialize, tools/list, tools/call, notifications
//   - DELETE /mcp - session termination (Mcp-Session-Id header)
//
// Server-initiated SSE streams are not supported.
//
// # Authentication
//
// Sessions are bound to an identity at initialize time:
//
//   - /mcp/<token> or ?token=<token>: an opaque access token resolved through
//     the token grant store to a {principal, agent} pair. The agent identity
//     narrows tool visibility through the agent allow-list.
//   - Authorization: Bearer <jwt>: a signed principal token. No agent
//     narrowing applies.
//
// Every tools/call runs under the session's principal and passes the same
// access checks as the websocket RPC path. Access denials come back as
// in-band isError tool results so hosts surface them to the model.
package mcp
