// Package client is a Go client for the websocket wire protocol.
//
// Call sends one frame and blocks until its ack arrives; frames are
// correlated by client-assigned IDs, so calls may overlap freely.
//
// Subscriptions are reference counted per (service, entryID): the first
// Subscribe for a pair performs the wire subscribe and every later one joins
// it, sharing the snapshot and the push stream. The wire unsubscribe is sent
// only when the last local consumer closes. Components can therefore
// subscribe to whatever they need without coordinating with each other.
package client
