package handler

import (
	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/migrate"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
)

// sendFieldPrepare sends S_FIELD_PREPARE.
// Format: [16 bytes key][D map][D instance][D owner]
func sendFieldPrepare(sess *net.Session, key field.Key, target field.InstanceKey) {
	w := packet.NewWriter(packet.S_OPCODE_FIELD_PREPARE, sess.Charset())
	w.WriteBytes(key[:])
	w.WriteD(target.MapID)
	w.WriteD(target.InstanceID)
	w.WriteD(target.OwnerID)
	sess.Send(w.Bytes())
}

// sendFieldEntered sends S_FIELD_ENTERED.
// Format: [D map][D instance][D owner][H members]
func sendFieldEntered(sess *net.Session, in *field.Instance) {
	key := in.Key()
	w := packet.NewWriter(packet.S_OPCODE_FIELD_ENTERED, sess.Charset())
	w.WriteD(key.MapID)
	w.WriteD(key.InstanceID)
	w.WriteD(key.OwnerID)
	w.WriteH(uint16(min(in.Len(), 0xFFFF)))
	sess.Send(w.Bytes())
}

// redirectPacket builds S_MIGRATION_REDIRECT.
// Format: [S ip][H port][blob token][D context map]
func redirectPacket(cs packet.Charset, r *migrate.Redirect) []byte {
	w := packet.NewWriter(packet.S_OPCODE_MIGRATION_REDIRECT, cs)
	w.WriteS(r.IPAddress)
	w.WriteH(r.Port)
	w.WriteBlob(r.Token)
	w.WriteD(r.ContextMapID)
	return w.Bytes()
}

// sendMigrationError sends S_MIGRATION_ERROR.
// Format: [S reason code]
func sendMigrationError(sess *net.Session, code authority.Code) {
	w := packet.NewWriter(packet.S_OPCODE_MIGRATION_ERROR, sess.Charset())
	w.WriteS(string(code))
	sess.Send(w.Bytes())
}

// fieldNoticePacket builds S_FIELD_NOTICE.
// Format: [S speaker][S text]
func fieldNoticePacket(cs packet.Charset, from, text string) []byte {
	w := packet.NewWriter(packet.S_OPCODE_FIELD_NOTICE, cs)
	w.WriteS(from)
	w.WriteS(text)
	return w.Bytes()
}
