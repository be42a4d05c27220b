// Package auth provides authentication for incoming connections.
//
// Identity is established once, at the HTTP upgrade that opens a persistent
// connection, and is immutable for the connection's lifetime. Credentials are
// HS256 JWTs carrying the principal ID in the "sub" claim; the Authenticator
// accepts them from the Authorization header, a `token` query parameter, or
// the rift_session cookie. In dev mode an explicit `principal` query parameter
// is honored without verification.
//
// A failed or absent credential never rejects the connection. The caller
// instead gets a synthetic guest identity ("guest:" + random UUID) and
// authorization is enforced per-operation downstream.
package auth
