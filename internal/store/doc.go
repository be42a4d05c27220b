// Package store is the durable layer: a SQLite database holding entity
// documents, per-principal service access grants, and agent tokens.
//
// Entities are stored as JSON documents keyed by (service, id); Collection[T]
// gives each service a typed view implementing service.Store[T], with
// json_extract-based secondary lookups for parent-scoped listings. The store
// is the single source of truth for entity data and ACLs; in-memory
// subscription registries are never persisted.
package store
