package handler

import (
	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/migrate"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
	"github.com/l1jgo/handoff/internal/session"
)

// HandleTeleport processes C_TELEPORT (opcode 152).
// Format: [D map id]
// Maps simulated by another channel migrate the session there; every
// other map is joined in place.
func HandleTeleport(sess *net.Session, r *packet.Reader, deps *Deps) {
	mapID := r.ReadD()
	if r.Err() != nil {
		return
	}

	if sess.State() == session.MigratingOut {
		sendMigrationError(sess, authority.CodeAccountBusy)
		return
	}
	if mapID < 0 {
		sendMigrationError(sess, authority.CodeInvalidArgument)
		return
	}

	channel := deps.ChannelForMap(mapID)
	if deps.isLocal(channel) {
		relocate(sess, deps, field.InstanceKey{MapID: mapID})
		return
	}
	startMigration(sess, deps, migrate.Trigger{
		Kind:    migrate.Teleport,
		Channel: channel,
		MapID:   mapID,
	})
}
