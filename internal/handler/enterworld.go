package handler

import (
	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
	"github.com/l1jgo/handoff/internal/session"
	"go.uber.org/zap"
)

// HandleFieldEnterAck processes C_FIELD_ENTER_ACK (opcode 137).
// Format: [16 bytes key]
func HandleFieldEnterAck(sess *net.Session, r *packet.Reader, deps *Deps) {
	if sess.State() == session.Active {
		sess.Log().Debug("duplicate field enter ack ignored")
		return
	}

	echo, err := field.KeyFromBytes(r.ReadBytes(field.KeySize))
	if err == nil {
		var target field.InstanceKey
		target, err = sess.FieldKey.Confirm(echo)
		if err == nil {
			sess.StopFieldTimer()
			attachField(sess, target, deps)
			return
		}
	}

	sess.FieldKey.Cancel()
	sess.Log().Warn("field key rejected", zap.Error(err))
	sess.Kick(packet.DisconnectFieldKey)
	_ = sess.Advance(session.Disconnected)
}

// attachField joins (or creates) the instance and activates the session.
func attachField(sess *net.Session, target field.InstanceKey, deps *Deps) {
	sess.Field = deps.Fields.Attach(target, sess)
	sess.MapID = target.MapID
	if err := sess.Advance(session.Active); err != nil {
		sess.Log().Error("cannot activate session", zap.Error(err))
		deps.Fields.Detach(sess.Field, sess.ID())
		sess.Field = nil
		return
	}
	sess.Log().Info("entered field",
		zap.Int32("account", sess.AccountID),
		zap.Int32("character", sess.CharacterID),
		zap.Stringer("field", target),
		zap.Int("members", sess.Field.Len()),
	)
	sendFieldEntered(sess, sess.Field)
}
