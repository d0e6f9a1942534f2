// SPDX-License-Identifier: Apache-2.0

// Package wire defines the on-the-wire shapes exchanged between the DLM
// client engine and its server: opcodes, status codes, lock flags, and the
// lock descriptor / handle array carried by ENQUEUE and CANCEL requests.
//
// Nothing in this package talks to a socket. It is consumed by both
// package dlm (the engine) and package gateway (the reference transport),
// and by any alternate transport a caller wires in.
package wire

import (
	"fmt"

	"github.com/NVIDIA/cstruct"
)

// Opcode identifies one of the five RPCs the engine and server exchange.
type Opcode uint16

const (
	OpEnqueue Opcode = iota + 1
	OpCancel
	OpCPCallback // completion callback (server -> client)
	OpBLCallback // blocking callback (server -> client)
	OpGLCallback // glimpse callback (server -> client)
)

func (op Opcode) String() string {
	switch op {
	case OpEnqueue:
		return "ENQUEUE"
	case OpCancel:
		return "CANCEL"
	case OpCPCallback:
		return "CP_CALLBACK"
	case OpBLCallback:
		return "BL_CALLBACK"
	case OpGLCallback:
		return "GL_CALLBACK"
	default:
		return fmt.Sprintf("OPCODE(%d)", uint16(op))
	}
}

// Status is the wire-visible outcome of an RPC, per spec.md §6.
type Status int32

const (
	StatusOK Status = iota
	StatusLockAborted
	StatusNoLock
	StatusProtoError
	StatusNoMem
	StatusTimeout
	StatusStale
	StatusShutdown
	StatusInterrupted
	StatusIOError
	StatusInval
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusLockAborted:
		return "LOCK_ABORTED"
	case StatusNoLock:
		return "NO_LOCK"
	case StatusProtoError:
		return "PROTO_ERROR"
	case StatusNoMem:
		return "NOMEM"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusStale:
		return "ESTALE"
	case StatusShutdown:
		return "SHUTDOWN"
	case StatusInterrupted:
		return "INTERRUPTED"
	case StatusIOError:
		return "IO_ERROR"
	case StatusInval:
		return "INVAL"
	default:
		return fmt.Sprintf("STATUS(%d)", int32(s))
	}
}

// Flags is the bitset carried in lock_flags on the wire, and mirrored onto
// the in-core lock's flags (spec.md §3, §6). Bit-for-bit stability matters:
// these values cross the wire.
type Flags uint32

const (
	FlagReplay Flags = 1 << iota
	FlagBlockGranted
	FlagBlockWait
	FlagBlockConv
	FlagASTSent
	FlagLockChanged
	FlagLocalOnly
	FlagCBPending
	FlagBLAst
	FlagCancelOnBlock
	FlagWaitNoreproc
	FlagCanceling
	FlagFailed
	FlagNoTimeout
	FlagNoLRU
	FlagExcl
	FlagBLDone
	FlagDestroyed
	FlagAtomicCB
	FlagSkipped
)

// InheritMask is the subset of reply flags a server is allowed to impose
// on the client's lock regardless of what the client asked for.
const InheritMask = FlagCancelOnBlock | FlagNoLRU

// LockType selects the shape of PolicyData carried by a lock descriptor.
type LockType uint8

const (
	TypePlain LockType = iota
	TypeExtent
	TypeInodeBits
	TypeFlock
)

// Mode is a lock mode ordinal; 0 means "no mode granted".
type Mode uint32

const (
	ModeNone Mode = 0
	ModePR   Mode = 1 << iota // protected read
	ModePW                    // protected write
	ModeCR                    // concurrent read
	ModeCW                    // concurrent write
	ModeEX                    // exclusive
)

// Handle is the client-local 64-bit cookie + generation pair, opaque to
// the server until echoed back to identify a lock in a later RPC.
type Handle struct {
	Cookie     uint64
	Generation uint32
}

// RemoteHandle is the server-issued identity for a lock, learned at
// enqueue-reply time (spec.md §3, §4.1 step 4).
type RemoteHandle struct {
	Cookie uint64
}

// PiggybackHandle renders rh into the Handle-shaped slot an
// EnqueueRequest's cancel-set piggyback array carries (spec.md §4.2,
// §6): the server identifies a piggybacked cancel by the RemoteHandle
// cookie it itself issued, not by the client's own opaque local Handle,
// so the slot's Cookie field carries rh.Cookie with Generation left
// zero (RemoteHandle carries no generation of its own).
func PiggybackHandle(rh RemoteHandle) Handle {
	return Handle{Cookie: rh.Cookie}
}

// PolicyData is the type-dependent descriptor carried alongside a lock
// mode. Its concrete shape is selected by LockType.
type PolicyData struct {
	Extent    ExtentPolicy    `cstruct:"extent"`
	InodeBits InodeBitsPolicy `cstruct:"inodebits"`
	Flock     FlockPolicy     `cstruct:"flock"`
}

// ExtentPolicy is the byte-range descriptor for LockType == TypeExtent.
type ExtentPolicy struct {
	Start uint64
	End   uint64 // inclusive; ^uint64(0) means "to EOF"
}

// InodeBitsPolicy is the bitmask descriptor for LockType == TypeInodeBits.
type InodeBitsPolicy struct {
	Bits uint64
}

// FlockPolicy is the POSIX-flock-style range descriptor for
// LockType == TypeFlock.
type FlockPolicy struct {
	Pid   uint64
	Start uint64
	End   uint64
}

// ResourceID names the resource a lock covers: a resource type plus up to
// four opaque name components, matching the {1,0,0,0}-style resource
// tuples used throughout spec.md §8's scenarios.
type ResourceID struct {
	ResourceType uint32
	Name         [4]uint64
}

func (r ResourceID) String() string {
	return fmt.Sprintf("{%d:%d,%d,%d,%d}", r.ResourceType, r.Name[0], r.Name[1], r.Name[2], r.Name[3])
}

// LockDescriptor is the fixed-size portion of an ENQUEUE request: enough
// to describe one lock. It is packed with cstruct the way the teacher's
// C-derived wire structs are, rather than gob/json, since the server is
// not assumed to be a Go process.
type LockDescriptor struct {
	Resource   ResourceID
	Type       LockType
	ReqMode    Mode
	GrantedMode Mode
	Policy     PolicyData
	Flags      Flags
}

// Pack serializes a LockDescriptor to its wire form.
func (ld *LockDescriptor) Pack() ([]byte, error) {
	return cstruct.Pack(ld, cstruct.BigEndian)
}

// UnpackLockDescriptor parses a wire-form LockDescriptor.
func UnpackLockDescriptor(b []byte) (ld LockDescriptor, err error) {
	_, err = cstruct.Unpack(b, &ld, cstruct.BigEndian)
	return
}

// HandleDescriptorSize is the packed size of one Handle on the wire, used
// by the request-sizing arithmetic in spec.md §6.
const HandleDescriptorSize = 12 // 8-byte cookie + 4-byte generation

// LockReqHandles is LOCKREQ_HANDLES from spec.md §6: the number of handle
// slots a bare lock request reserves before any piggyback is added.
const LockReqHandles = 1

// MaxReqSize and PageSize bound request sizing per spec.md §6.
const (
	MaxReqSize = 1 << 12 // 4 KiB, conservative link-layer ceiling
	PageSize   = 1 << 12
	PageHeadroom = 512
)

// HandlesAvail computes A, the number of handle slots available for
// piggyback cancels in a request whose fixed (non-handle) portion is
// reqSize bytes and whose first canceloff handle slots are already taken,
// per spec.md §6:
//
//	A = (min(MAX_REQ_SIZE, PAGESZ-512) - req_size) / sizeof(handle) + LOCKREQ_HANDLES - offset
func HandlesAvail(reqSize, canceloff int) int {
	ceiling := MaxReqSize
	if PageSize-PageHeadroom < ceiling {
		ceiling = PageSize - PageHeadroom
	}
	avail := (ceiling-reqSize)/HandleDescriptorSize + LockReqHandles - canceloff
	if avail < 0 {
		return 0
	}
	return avail
}

// EnqueueRequest is the full ENQUEUE request: one lock descriptor plus a
// piggyback handle array. Handles[0] is a placeholder for the request's
// own lock (the server ignores it and assigns a RemoteHandle in the
// reply); Handles[1:] are cancel-set piggyback entries built with
// PiggybackHandle, one per already-granted lock being cancelled
// alongside this request (spec.md §4.2, §6).
type EnqueueRequest struct {
	Descriptor  LockDescriptor
	Handles     []Handle
	LVBLen      uint32
	AsyncReplay bool
}

// EnqueueReply is the ENQUEUE response.
type EnqueueReply struct {
	Status  Status
	Handle  RemoteHandle
	Flags   Flags
	ReqMode Mode
	Resource ResourceID // present only when Flags&FlagLockChanged
	Policy  PolicyData
	LVB     []byte
	SLV     uint64
	Limit   uint32
}

// CancelRequest carries a batch of handles to cancel in one RPC.
type CancelRequest struct {
	Handles []RemoteHandle
}

// CancelReply is the CANCEL response.
type CancelReply struct {
	Status Status
}

// CPCallbackRequest notifies the client that a lock is now granted.
type CPCallbackRequest struct {
	Handle      RemoteHandle
	GrantedMode Mode
	Flags       Flags
	LVB         []byte
}

// BLCallbackRequest notifies the client that a lock is blocking another
// request and should be cancelled or downgraded.
type BLCallbackRequest struct {
	Handle RemoteHandle
	Flags  Flags
}

// GLCallbackRequest asks the client to report a resource's value block
// without releasing the lock.
type GLCallbackRequest struct {
	Handle RemoteHandle
}

// CancelRequestPortal and CancelReplyPortal name the transport-level channels
// cancel traffic travels on, per spec.md §6 ("Portals").
const (
	CancelRequestPortal = "CANCEL_REQUEST_PORTAL"
	CancelReplyPortal   = "CANCEL_REPLY_PORTAL"
)
