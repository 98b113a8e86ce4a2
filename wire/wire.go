// Package wire defines the fixed-size records exchanged across the two
// NSaaS wire boundaries: the control socket (application <-> controller)
// and the shared-memory channel header (application <-> controller, via
// mmap). Every struct here is laid out with explicit-width fields only —
// no slices, no pointers — so it can be copied byte-for-byte across a
// socket or overlaid directly on a shared mapping.
package wire

import (
	"crypto/rand"
	"encoding/hex"
	"unsafe"
)

// ChannelMagic is the 32-bit sentinel that must be the first field of
// every mapped channel header. An application never writes it.
const ChannelMagic uint32 = 0x4E534153 // "NSAS"

// MsgBufMagic is the sanity sentinel checked on every buffer access.
const MsgBufMagic uint32 = 0x4E534D42 // "NSMB"

// ControllerDefaultPath is the well-known filesystem path of the
// controller's AF_UNIX stream socket.
const ControllerDefaultPath = "/var/run/nsaas/ctrl.sock"

// Control-socket message types.
const (
	MsgReqRegister uint32 = 1
	MsgReqChannel  uint32 = 2
	MsgResponse    uint32 = 3
)

// Control-socket response status codes.
const (
	StatusSuccess uint32 = 0
	StatusError   uint32 = 1
)

// Control-queue opcodes.
const (
	OpCreateFlow uint32 = 1
	OpListen     uint32 = 2
)

// Control-queue entry status codes.
const (
	CQStatusOK  uint32 = 0
	CQStatusErr uint32 = 1
)

// Buffer chain flags (spec §3.4).
const (
	FlagSYN            uint16 = 1 << 0 // head of message
	FlagFIN            uint16 = 1 << 1 // last buffer of message
	FlagSG             uint16 = 1 << 2 // a successor buffer exists
	FlagNotifyDelivery uint16 = 1 << 3 // request delivery notification
)

// Default channel dimensions requested by Attach; Attach has no way to
// request other values.
const (
	DefaultDescRingSize uint32 = 1024
	DefaultBufferCount  uint32 = 4096
)

// MsgMaxLen is the largest single message sendmsg will accept.
const MsgMaxLen = 1 << 20

// UUID is a 128-bit application or channel identifier.
type UUID [16]byte

// NewUUID returns a random v4-ish 128-bit identifier. It is not a strict
// RFC 4122 UUID (no version/variant bits are forced) — the wire format
// only requires 128 bits of entropy, not standards compliance.
func NewUUID() UUID {
	var u UUID
	if _, err := rand.Read(u[:]); err != nil {
		panic("wire: failed to read random bytes for uuid: " + err.Error())
	}
	return u
}

// IsZero reports whether u is the all-zero UUID, the sentinel for "not
// yet generated" used by ctrlsock.Client.Init's idempotence check.
func (u UUID) IsZero() bool {
	return u == UUID{}
}

func (u UUID) String() string {
	return hex.EncodeToString(u[:])
}

// ChannelInfo describes the shared-memory channel an application is
// requesting from the controller via REQ_CHANNEL.
type ChannelInfo struct {
	ChannelUUID  UUID
	DescRingSize uint32
	BufferCount  uint32
}

// CtrlMsg is the fixed-size record framed over the control socket. There
// is no length prefix: both sides always read/write exactly
// binary.Size(CtrlMsg{}) bytes.
type CtrlMsg struct {
	Type        uint32
	MsgID       uint32
	Status      uint32
	AppUUID     UUID
	ChannelInfo ChannelInfo
}

// FlowTuple identifies a network conversation. Fields are stored in host
// byte order, per spec §3.6.
type FlowTuple struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
}

// ListenerInfo is the 2-tuple payload of a LISTEN control-queue request.
type ListenerInfo struct {
	IP   uint32
	Port uint16
}

// CtrlQueueEntry is the fixed-size record carried by the in-channel
// control submission/completion rings (spec §3.5). Unlike the C source's
// tagged union, both payload fields are always present — simpler, and
// still fixed-size.
type CtrlQueueEntry struct {
	ID           uint32
	Opcode       uint32
	Status       uint32
	FlowInfo     FlowTuple
	ListenerInfo ListenerInfo
}

// CtrlMsgSize is the exact byte count of one control-socket record. Both
// ends of the socket always read or write exactly this many bytes.
func CtrlMsgSize() int {
	var m CtrlMsg
	return int(unsafe.Sizeof(m))
}

// Bytes returns a byte slice aliasing m's own memory, the same direct
// struct-over-bytes trick afxdp uses for xdp_desc entries. Writing through
// the returned slice (e.g. via io.ReadFull) mutates m in place; there is
// no intermediate encode/decode step because CtrlMsg has no pointers or
// slices of its own.
func (m *CtrlMsg) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m)), unsafe.Sizeof(*m))
}
