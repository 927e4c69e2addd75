package driver

// Sync record markers exchanged in the first word of the shared window
const (
	SyncIdle       uint32 = 0x000
	SyncHostToDSP  uint32 = 0x001
	SyncDSPToHost  uint32 = 0x003
	SyncStart      uint32 = 0x101
	SyncDSPReadyV1 uint32 = 0x203
	SyncDSPReadyV2 uint32 = 0x204
)

// Sync TLV block types. The DSP ORs SyncTypeAccept into the type word of
// every block it understood.
const (
	SyncTypeLast       uint32 = 0
	SyncTypeHWSpecData uint32 = 1
	SyncTypeHWQueues   uint32 = 2
	SyncTypeAccept     uint32 = 0x80000000
)

// Sync record layout
const (
	SyncV1PayloadOffset = 4
	SyncV2PayloadOffset = 16
	TLVHeaderSize       = 8
)

// Command record flags
const (
	CmdFlagRequestValid         uint32 = 0x00000001
	CmdFlagResponseValid        uint32 = 0x00000002
	CmdFlagRequestNSID          uint32 = 0x00000004
	CmdFlagResponseDeliveryFail uint32 = 0x00000008
)

// Command record layout. Every field is 32-bit aligned; the inline areas
// share storage with the out-of-line address words.
const (
	CmdInlineDataSize    = 16
	CmdInlineBufferCount = 1
	CmdNamespaceIDSize   = 16
	CmdStride            = 128

	CmdOffsetFlags      = 0
	CmdOffsetInSize     = 4
	CmdOffsetOutSize    = 8
	CmdOffsetBufferSize = 12
	CmdOffsetInData     = 16
	CmdOffsetOutData    = CmdOffsetInData + CmdInlineDataSize
	CmdOffsetBufferData = CmdOffsetOutData + CmdInlineDataSize
	CmdOffsetNSID       = CmdOffsetBufferData + CmdInlineDataSize
	CmdRecordSize       = CmdOffsetNSID + CmdNamespaceIDSize
)

// Buffer descriptor as seen by the DSP: flags, size, address
const (
	BufferDescSize = 12

	BufferFlagRead  uint32 = 0x1
	BufferFlagWrite uint32 = 0x2
)

// Request queue flags carried by a submission
const (
	QueueFlagNSID      uint32 = 0x4
	QueueFlagPrio      uint32 = 0xff00
	QueueFlagPrioShift        = 8

	QueueValidFlags = QueueFlagNSID | QueueFlagPrio
)

// MaxPriority is the largest priority index a submission may carry
const MaxPriority = int(QueueFlagPrio >> QueueFlagPrioShift)
