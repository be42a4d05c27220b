// Package dispatch routes wire events onto registered services' method tables.
//
// Event names follow `<service>:<method>`. Every registered service also gets
// implicit `<service>:subscribe` and `<service>:unsubscribe` events that relay
// into its subscriber registry. Each dispatched event resolves to exactly one
// Ack envelope; handler errors and panics are converted to structured failures
// and never crash the connection.
//
// Invoke is the shared invocation path: the RPC transport and the tool
// registry both call it, so the access check runs identically regardless of
// caller origin.
package dispatch
