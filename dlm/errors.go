// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"github.com/ansel1/merry"

	"github.com/latticefs/dlmclient/wire"
)

// Kind classifies an error the way spec.md §7 does, so callers (and the
// engine's own retry/cleanup paths) can branch on cause rather than on
// string matching.
type Kind string

const (
	KindTransientTransport Kind = "transient_transport"
	KindServerForgot       Kind = "server_forgot"
	KindProtocolMismatch   Kind = "protocol_mismatch"
	KindLocalRaceLost      Kind = "local_race_lost"
	KindServerEviction     Kind = "server_eviction"
	KindUserInterruption   Kind = "user_interruption"
	KindResourceExhaustion Kind = "resource_exhaustion"
)

// userInfoKey is a private type for merry.WithValue/merry.Value keys, so
// this package's context can never collide with another caller's.
type userInfoKey string

const (
	kindKey   userInfoKey = "dlm.kind"
	statusKey userInfoKey = "dlm.status"
	handleKey userInfoKey = "dlm.handle"
)

// wrapErr tags err (which may be nil, in which case a new sentinel is
// created from msg) with a Kind, a wire.Status, and the lock handle it
// happened to, and records the call site the way merry.Here does.
func wrapErr(err error, kind Kind, status wire.Status, handle wire.Handle, msg string) error {
	if err == nil {
		err = merry.New(msg)
	} else {
		err = merry.WithMessage(err, msg)
	}
	err = merry.Here(err)
	err = merry.WithValue(err, kindKey, kind)
	err = merry.WithValue(err, statusKey, status)
	err = merry.WithValue(err, handleKey, handle)
	return err
}

// ErrorKind extracts the Kind attached by wrapErr, defaulting to
// KindProtocolMismatch for errors this package didn't tag itself.
func ErrorKind(err error) Kind {
	if v, ok := merry.Value(err, kindKey).(Kind); ok {
		return v
	}
	return KindProtocolMismatch
}

// ErrorStatus extracts the wire.Status attached by wrapErr.
func ErrorStatus(err error) wire.Status {
	if v, ok := merry.Value(err, statusKey).(wire.Status); ok {
		return v
	}
	return wire.StatusIOError
}

// IsRetryable reports whether the transport should retry the RPC that
// produced err while the connection generation is unchanged, per
// spec.md §7's "transient transport" kind.
func IsRetryable(err error) bool {
	return ErrorKind(err) == KindTransientTransport
}
