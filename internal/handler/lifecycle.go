package handler

import (
	"context"
	"time"

	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/session"
	"go.uber.org/zap"
)

// Lifecycle cleans up after a session ends. It runs on the session's own
// goroutine, after the connection is gone.
type Lifecycle struct {
	deps *Deps
}

func NewLifecycle(deps *Deps) *Lifecycle {
	return &Lifecycle{deps: deps}
}

// Closed implements net.Lifecycle.
//
// A session that owned its account releases it, restricted to this
// process: if the ticket's target already redeemed, the owner entry is
// theirs and the release does nothing. A session that migrated out was
// flushed before its ticket was issued.
func (l *Lifecycle) Closed(sess *net.Session, last session.State) {
	deps := l.deps
	detachField(sess, deps)

	log := sess.Log().With(zap.Int32("account", sess.AccountID), zap.Stringer("last_state", last))
	if !sess.Owned {
		log.Debug("session closed")
		return
	}

	timeout := 3 * time.Second
	if deps.Config != nil && deps.Config.Authority.RPCTimeout > 0 {
		timeout = deps.Config.Authority.RPCTimeout
	}

	if !sess.MigratedOut && deps.Flusher != nil && sess.CharacterID > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := deps.Flusher.FlushCharacter(ctx, sess.CharacterID, sess.MapID); err != nil {
			log.Error("flush on disconnect failed", zap.Error(err))
		}
		cancel()
	}

	owner := deps.Self
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := deps.Authority.ReleaseSession(ctx, &authority.ReleaseRequest{
		AccountID: sess.AccountID,
		Owner:     &owner,
	}); err != nil {
		log.Error("release session failed", zap.Error(err))
		return
	}
	log.Info("session released", zap.Bool("migrated_out", sess.MigratedOut))
}
