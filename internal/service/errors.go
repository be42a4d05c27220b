// ABOUTME: Sentinel errors shared by the service base, dispatch, and tool layers.
// ABOUTME: Dispatch maps these onto wire ack envelopes via errors.Is.

package service

import "errors"

// ErrNotFound is returned by Store implementations when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by Store implementations when inserting a row whose
// id already exists.
var ErrDuplicate = errors.New("entry already exists")

// ErrAuthRequired is returned when an operation requires an authenticated
// principal and the caller is a guest.
var ErrAuthRequired = errors.New("authentication required")

// ErrPermission is returned when an authenticated caller lacks the required
// access level. The message is part of the wire contract.
var ErrPermission = errors.New("Insufficient permissions")
