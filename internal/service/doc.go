// Package service is the shared base every domain service is built on.
//
// # Overview
//
// A Service[T] manages one entity type: it persists rows through a Store[T],
// fans row updates out to subscribed connections, and holds the method table
// that dispatch and tool registries invoke. Access control lives here in one
// choke point, EnsureAccess, so domain services declare a required level per
// method and never re-implement permission logic.
//
// # Access model
//
// Every caller carries an AccessMap: a cached, lazily backfilled view of
// their per-service grants persisted in the AccessStore. Entry-scoped checks
// accept either a sufficient service-level grant or a sufficient grant in the
// entry's own ACL; a principal always has Read-equivalent access to the entry
// whose id equals their own principal id.
//
// # Subscriptions
//
// Subscribe is tri-state: denied, granted with no row yet, or granted with a
// snapshot. Broadcasts emit the full updated row (or a terminal deleted
// marker) under the event name "<service>:update:<entryID>".
package service
