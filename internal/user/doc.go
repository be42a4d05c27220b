// Package user exposes the "users" profile service.
//
// It is the smallest possible domain service: one entity type on the generic
// service base, three declared methods (register, get, update), and the full
// admin scaffolding. Profile IDs equal principal IDs, so callers subscribe to
// their own profile before it exists and edit it without any explicit grant;
// editing someone else's profile requires their row ACL or service-level
// Moderate.
package user
