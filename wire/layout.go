package wire

// The structs in this file are never copied — they are overlaid directly
// on the mmap'd channel region via unsafe.Pointer, the same "arena +
// index" model spec §9 describes for the datapath (slot indices instead
// of pointers, so the layout is meaningful in every process sharing the
// mapping). Both the application and the controller must be built
// against the same field layout; this is the shared-memory analogue of
// the teacher's xdp_desc/xdp_ring_offset kernel-ABI structs.

// RingHeader is the producer/consumer state for one ring embedded in the
// channel header. The ring's entries live elsewhere in the mapping, at
// the byte offset stored beside it (SQOffs, CQOffs, FreeOffs, AppOffs,
// StackOffs).
type RingHeader struct {
	Producer uint32
	Consumer uint32
	Size     uint32 // capacity in entries, always a power of two
	_        uint32 // padding, keeps the struct 8-byte aligned
}

// CtrlCtxHeader holds the per-channel monotonic control request counter
// and the two control rings' metadata (spec §3.3, ctrl_ctx).
type CtrlCtxHeader struct {
	ReqID  uint32
	_      uint32
	SQ     RingHeader
	CQ     RingHeader
	SQOffs uint32 // byte offset from the channel base to SQ entry 0
	CQOffs uint32
}

// DataCtxHeader holds buffer-pool metadata and the fixed per-buffer
// payload size (spec §3.3, data_ctx).
type DataCtxHeader struct {
	BufMSS       uint32 // maximum payload bytes per buffer
	BufferCount  uint32
	BufStride    uint32 // bytes from one buffer slot to the next (header + payload)
	BufPoolOffs  uint32 // byte offset from channel base to buffer slot 0
	FreeOffs     uint32 // byte offset to the free-list ring
	FreeSize     RingHeader
}

// ChannelHeader is the first thing at the base of a mapped channel. Its
// first field is always the magic sentinel (spec §3.3).
type ChannelHeader struct {
	Magic   uint32
	_       uint32
	CtrlCtx CtrlCtxHeader
	DataCtx DataCtxHeader

	AppRing   RingHeader // app -> stack data ring metadata
	AppOffs   uint32
	StackRing RingHeader // stack -> app data ring metadata
	StackOffs uint32
}

// MsgBufHeader is the fixed header at the start of every message buffer
// slot in the pool. The buffer's payload area immediately follows this
// header in memory, DataCtxHeader.BufMSS bytes wide.
type MsgBufHeader struct {
	Magic   uint32
	Flags   uint16
	_       uint16 // padding, keeps DataLen/Next 4-byte aligned
	DataLen uint32 // bytes currently appended to the payload area; same width as BufMSS
	Next    uint32 // slot index of successor; valid iff Flags&FlagSG
	Last    uint32 // slot index of the final buffer; set on head only
	MsgLen  uint32 // total logical message length; set on head only
	Flow    FlowTuple
}
