package handler

import (
	"context"
	"strconv"

	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/config"
	"github.com/l1jgo/handoff/internal/data"
	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/migrate"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
	"github.com/l1jgo/handoff/internal/scripting"
	"github.com/l1jgo/handoff/internal/session"
	"go.uber.org/zap"
)

// Authority is the part of the authority client the handlers call
// directly. Ticket issuance goes through the migration coordinator.
type Authority interface {
	RedeemTicket(ctx context.Context, req *authority.RedeemRequest) (*authority.RedeemResponse, error)
	ReleaseSession(ctx context.Context, req *authority.ReleaseRequest) (*authority.ReleaseResponse, error)
}

// Deps holds shared dependencies injected into all packet handlers.
type Deps struct {
	Config      *config.Channel
	Self        authority.Owner
	Authority   Authority
	Coordinator *migrate.Coordinator
	Fields      *field.Manager
	Log         *zap.Logger

	// Optional.
	Portals   *data.PortalTable
	Scripting *scripting.Engine
	Players   authority.PlayerInfoProvider
	Flusher   migrate.Flusher

	mapChannels map[int32]int32
}

// ChannelForMap returns the channel that simulates mapID, or 0 when any
// channel can serve it.
func (d *Deps) ChannelForMap(mapID int32) int32 {
	return d.mapChannels[mapID]
}

func parseMapChannels(raw map[string]int32, log *zap.Logger) map[int32]int32 {
	out := make(map[int32]int32, len(raw))
	for k, ch := range raw {
		id, err := strconv.ParseInt(k, 10, 32)
		if err != nil {
			log.Warn("ignoring map_channels entry", zap.String("map", k), zap.Error(err))
			continue
		}
		out[int32(id)] = ch
	}
	return out
}

func (d *Deps) isLogin() bool { return d.Self.Kind == authority.KindLogin }

// RegisterAll registers all packet handlers into the registry.
// It must be called before the server starts accepting connections.
func RegisterAll(reg *packet.Registry, deps *Deps) {
	if deps.Config != nil {
		deps.mapChannels = parseMapChannels(deps.Config.MapChannels, deps.Log)
	}

	// Handshake phase
	reg.Register(packet.C_OPCODE_VERSION,
		[]session.State{session.Handshake},
		func(sess any, r *packet.Reader) {
			HandleVersion(sess.(*net.Session), r, deps)
		},
	)

	// Ticket redemption
	reg.Register(packet.C_OPCODE_REDEEM_TICKET,
		[]session.State{session.Authenticating},
		func(sess any, r *packet.Reader) {
			HandleRedeemTicket(sess.(*net.Session), r, deps)
		},
	)

	// Field handshake. A late duplicate ack while Active is harmless.
	reg.Register(packet.C_OPCODE_FIELD_ENTER_ACK,
		[]session.State{session.EnteringField, session.Active},
		func(sess any, r *packet.Reader) {
			HandleFieldEnterAck(sess.(*net.Session), r, deps)
		},
	)

	// Migration triggers are also accepted while MigratingOut so the client
	// hears ACCOUNT_BUSY instead of being counted as misbehaving.
	migrating := []session.State{session.Active, session.MigratingOut}

	reg.Register(packet.C_OPCODE_CHANGE_CHANNEL, migrating,
		func(sess any, r *packet.Reader) {
			HandleChangeChannel(sess.(*net.Session), r, deps)
		},
	)
	if !deps.isLogin() {
		reg.Register(packet.C_OPCODE_ENTER_PORTAL, migrating,
			func(sess any, r *packet.Reader) {
				HandleEnterPortal(sess.(*net.Session), r, deps)
			},
		)
		reg.Register(packet.C_OPCODE_TELEPORT, migrating,
			func(sess any, r *packet.Reader) {
				HandleTeleport(sess.(*net.Session), r, deps)
			},
		)
		reg.Register(packet.C_OPCODE_LOGOUT, migrating,
			func(sess any, r *packet.Reader) {
				HandleLogout(sess.(*net.Session), r, deps)
			},
		)
	}

	reg.Register(packet.C_OPCODE_SAY,
		[]session.State{session.Active},
		func(sess any, r *packet.Reader) {
			HandleSay(sess.(*net.Session), r, deps)
		},
	)

	reg.Register(packet.C_OPCODE_QUIT,
		[]session.State{session.Handshake, session.Authenticating, session.EnteringField, session.Active, session.MigratingOut},
		func(sess any, r *packet.Reader) {
			HandleQuit(sess.(*net.Session), r, deps)
		},
	)
}
