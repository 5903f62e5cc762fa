package handler

import (
	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/migrate"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
	"github.com/l1jgo/handoff/internal/scripting"
	"github.com/l1jgo/handoff/internal/session"
	"go.uber.org/zap"
)

// HandleEnterPortal processes C_ENTER_PORTAL (opcode 219).
// Format: [D portal id]
func HandleEnterPortal(sess *net.Session, r *packet.Reader, deps *Deps) {
	portalID := r.ReadD()
	if r.Err() != nil {
		return
	}

	if sess.State() == session.MigratingOut {
		sendMigrationError(sess, authority.CodeAccountBusy)
		return
	}

	portal := deps.Portals.Get(portalID)
	if portal == nil || portal.SrcMapID != sess.MapID {
		sess.Log().Debug("no such portal here",
			zap.Int32("portal", portalID),
			zap.Int32("map", sess.MapID),
		)
		sendMigrationError(sess, authority.CodeInvalidArgument)
		return
	}

	channel := portal.DstChannel
	if channel == 0 {
		channel = deps.ChannelForMap(portal.DstMapID)
	}
	dest := scripting.PortalResult{MapID: portal.DstMapID, Channel: channel}
	if portal.Instanced {
		dest.OwnerID = sess.CharacterID
	}
	if deps.Scripting != nil {
		dest = deps.Scripting.OnPortal(scripting.PortalContext{
			PortalID:    portal.ID,
			AccountID:   sess.AccountID,
			CharacterID: sess.CharacterID,
			SrcMapID:    portal.SrcMapID,
			DstMapID:    portal.DstMapID,
			Channel:     channel,
			Instanced:   portal.Instanced,
		})
	}
	if dest.Deny {
		sess.Log().Info("portal denied by script", zap.Int32("portal", portalID))
		sendMigrationError(sess, authority.CodeInvalidArgument)
		return
	}

	target := field.InstanceKey{MapID: dest.MapID, InstanceID: dest.InstanceID, OwnerID: dest.OwnerID}
	if deps.isLocal(dest.Channel) {
		relocate(sess, deps, target)
		return
	}
	startMigration(sess, deps, migrate.Trigger{
		Kind:       migrate.Portal,
		Channel:    dest.Channel,
		MapID:      target.MapID,
		InstanceID: target.InstanceID,
		OwnerID:    target.OwnerID,
		PortalID:   portal.ID,
	})
}

// isLocal reports whether channel means this process.
func (d *Deps) isLocal(channel int32) bool {
	return channel == 0 || (channel == d.Self.Channel && d.Self.Kind == authority.KindGame)
}
