package handler

import (
	"github.com/l1jgo/handoff/internal/migrate"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
)

// HandleChangeChannel processes C_CHANGE_CHANNEL (opcode 180).
// Format: [D channel]
// From the login tier this is how a character enters the game.
func HandleChangeChannel(sess *net.Session, r *packet.Reader, deps *Deps) {
	channel := r.ReadD()
	if r.Err() != nil {
		return
	}
	startMigration(sess, deps, migrate.Trigger{Kind: migrate.ChannelChange, Channel: channel})
}

// HandleLogout processes C_LOGOUT (opcode 95): back to the login tier.
func HandleLogout(sess *net.Session, _ *packet.Reader, deps *Deps) {
	startMigration(sess, deps, migrate.Trigger{Kind: migrate.Logout})
}
