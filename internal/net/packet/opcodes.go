package packet

// Client -> server opcodes.
const (
	C_OPCODE_VERSION         byte = 14
	C_OPCODE_SAY             byte = 81
	C_OPCODE_LOGOUT          byte = 95
	C_OPCODE_QUIT            byte = 122
	C_OPCODE_FIELD_ENTER_ACK byte = 137
	C_OPCODE_TELEPORT        byte = 152
	C_OPCODE_CHANGE_CHANNEL  byte = 180
	C_OPCODE_REDEEM_TICKET   byte = 210
	C_OPCODE_ENTER_PORTAL    byte = 219
)

// Server -> client opcodes.
const (
	S_OPCODE_DISCONNECT         byte = 95
	S_OPCODE_FIELD_NOTICE       byte = 105
	S_OPCODE_FIELD_PREPARE      byte = 118
	S_OPCODE_FIELD_ENTERED      byte = 119
	S_OPCODE_VERSION_CHECK      byte = 139
	S_OPCODE_INITPACKET         byte = 150
	S_OPCODE_MIGRATION_REDIRECT byte = 166
	S_OPCODE_MIGRATION_ERROR    byte = 167
)

// Disconnect reasons carried by S_OPCODE_DISCONNECT.
const (
	DisconnectRedeemFailed  byte = 1
	DisconnectFieldKey      byte = 2
	DisconnectFieldTimeout  byte = 3
	DisconnectProtocol      byte = 4
	DisconnectKicked        byte = 5
	DisconnectServerClosing byte = 6
)
