package handler

import (
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
	"go.uber.org/zap"
)

// HandleQuit processes C_QUIT (opcode 122). Cleanup happens in
// Lifecycle.Closed once the connection is gone.
func HandleQuit(sess *net.Session, _ *packet.Reader, _ *Deps) {
	sess.Log().Info("client quit", zap.Int32("account", sess.AccountID), zap.Stringer("state", sess.State()))
	sess.Close()
}
