package handler

import (
	"context"
	"time"

	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
	"github.com/l1jgo/handoff/internal/session"
	"go.uber.org/zap"
)

const defaultRedeemTimeout = 3 * time.Second

// HandleRedeemTicket processes C_REDEEM_TICKET (opcode 210).
// Format: [D account][blob token][S machine id]
//
// The RPC runs on the session goroutine: nothing else may happen on an
// unauthenticated connection until it has an account.
func HandleRedeemTicket(sess *net.Session, r *packet.Reader, deps *Deps) {
	accountID := r.ReadD()
	token := r.ReadBlob()
	machineID := r.ReadS()
	if r.Err() != nil {
		return
	}

	log := sess.Log().With(zap.Int32("account", accountID))

	timeout := defaultRedeemTimeout
	if deps.Config != nil && deps.Config.Session.RedeemTimeout > 0 {
		timeout = deps.Config.Session.RedeemTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	redeemer := deps.Self
	resp, err := deps.Authority.RedeemTicket(ctx, &authority.RedeemRequest{
		AccountID: accountID,
		Token:     token,
		MachineID: machineID,
		Redeemer:  &redeemer,
	})
	cancel()
	if err != nil {
		log.Info("ticket redemption refused", zap.String("reason", string(authority.CodeOf(err))), zap.Error(err))
		sess.Kick(packet.DisconnectRedeemFailed)
		_ = sess.Advance(session.Disconnected)
		return
	}

	sess.AccountID = accountID
	sess.CharacterID = resp.CharacterID
	sess.MachineID = machineID
	sess.MapID = resp.MapID
	sess.Owned = true
	sess.CharName = characterName(deps, resp.CharacterID)

	log.Info("ticket redeemed",
		zap.String("ticket", resp.TicketID),
		zap.Int32("character", resp.CharacterID),
		zap.Stringer("from", resp.Source),
		zap.Int32("map", resp.MapID),
	)

	target := field.InstanceKey{MapID: resp.MapID, InstanceID: resp.InstanceID, OwnerID: resp.OwnerID}
	prepareField(sess, target, deps)
}

// prepareField arms a fresh field key for target, tells the client, and
// starts the entry timer.
func prepareField(sess *net.Session, target field.InstanceKey, deps *Deps) {
	key, err := sess.FieldKey.Prepare(target)
	if err != nil {
		sess.Log().Error("field key generation failed", zap.Error(err))
		sess.Kick(packet.DisconnectKicked)
		_ = sess.Advance(session.Disconnected)
		return
	}
	if err := sess.Advance(session.EnteringField); err != nil {
		sess.Log().Error("cannot enter field", zap.Error(err))
		sess.FieldKey.Cancel()
		return
	}
	sendFieldPrepare(sess, key, target)

	timeout := 15 * time.Second
	if deps.Config != nil && deps.Config.Session.FieldEnterTimeout > 0 {
		timeout = deps.Config.Session.FieldEnterTimeout
	}
	sess.SetFieldTimer(sess.AfterFunc(timeout, func(s *net.Session) {
		if s.State() != session.EnteringField {
			return
		}
		s.Log().Info("field entry timed out", zap.Stringer("field", target))
		s.FieldKey.Cancel()
		s.Kick(packet.DisconnectFieldTimeout)
		_ = s.Advance(session.Disconnected)
	}))
}

func characterName(deps *Deps, characterID int32) string {
	if deps.Players == nil || characterID <= 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	info, err := deps.Players.GetPlayerInfo(ctx, characterID)
	if err != nil || info == nil {
		return ""
	}
	return info.Name
}
