// Package eserr defines the typed error kinds used across the shard
// runtime. Every boundary (queue worker, rpc dispatch, session reader)
// converts failures into one of these so callers can branch with
// errors.Is / errors.As instead of string matching.
package eserr

import (
	"errors"
	"fmt"
)

// Transport-level sentinel errors. The exact strings are part of the
// rpc client contract and show up in responses to callers.
var (
	// ErrRpcTimeout fails a pending rpc request that outlived the
	// configured per-call timeout.
	ErrRpcTimeout = errors.New("Request Timed Out")

	// ErrConnectionUnavailable fails rpc calls issued after the
	// reconnect buffer window has closed.
	ErrConnectionUnavailable = errors.New("Connection Unavailable")

	// ErrQueueClosed rejects enqueues on a request queue that is
	// draining or already released.
	ErrQueueClosed = errors.New("request queue closed")

	// ErrNoContext is returned by GetContext when called outside a
	// request worker.
	ErrNoContext = errors.New("no request context")
)

// ProtocolError is a fatal client wire failure: malformed frame,
// oversize payload or an undeserializable body. The session is closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// AuthError reports an invalid or expired login token.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth error: " + e.Reason
}

// NotFoundError reports a TSID absent from both the live cache and the
// persistence back end.
type NotFoundError struct {
	TSID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object not found: %s", e.TSID)
}

// ObjRefError reports a resolver proxy that could not load its target.
type ObjRefError struct {
	TSID string
	Err  error
}

func (e *ObjRefError) Error() string {
	return fmt.Sprintf("objref %s could not be resolved: %v", e.TSID, e.Err)
}

func (e *ObjRefError) Unwrap() error {
	return e.Err
}

// RemoteError carries an application error reported by another shard
// over rpc. Code reuses the well-known JSON-RPC numeric set.
type RemoteError struct {
	Code    int
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// PersistenceError reports a back-end write/del refusal during the
// commit phase. Dirty objects stay in memory so the next request may
// retry.
type PersistenceError struct {
	Op   string // "write" or "del"
	TSID string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed for %s: %v", e.Op, e.TSID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
