package handler

import (
	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
	"github.com/l1jgo/handoff/internal/session"
	"go.uber.org/zap"
)

// HandleVersion processes C_VERSION (opcode 14).
// The client's version fields are not checked; the server answers with
// S_VERSION_CHECK and expects a ticket next.
// Format: [C ok][C tier][D channel][D start time]
func HandleVersion(sess *net.Session, _ *packet.Reader, deps *Deps) {
	sess.Log().Debug("received client version")

	var startTime int64
	if deps.Config != nil {
		startTime = deps.Config.Server.StartTime
	}
	tier := byte(1)
	if deps.Self.Kind == authority.KindLogin {
		tier = 2
	}

	w := packet.NewWriter(packet.S_OPCODE_VERSION_CHECK, sess.Charset())
	w.WriteC(0x00)
	w.WriteC(tier)
	w.WriteD(deps.Self.Channel)
	w.WriteDU(uint32(startTime))
	sess.Send(w.Bytes())

	if err := sess.Advance(session.Authenticating); err != nil {
		sess.Log().Warn("version after handshake", zap.Error(err))
	}
}
