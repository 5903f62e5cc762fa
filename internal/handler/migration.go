package handler

import (
	"context"

	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/migrate"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/session"
	"go.uber.org/zap"
)

// startMigration freezes the session in MigratingOut and runs the ticket
// request on its own goroutine. The outcome comes back through the
// session inbox, so the session goroutine never waits on the authority.
func startMigration(sess *net.Session, deps *Deps, trig migrate.Trigger) {
	if sess.State() == session.MigratingOut {
		sendMigrationError(sess, authority.CodeAccountBusy)
		return
	}
	if _, err := deps.Coordinator.Request(subjectOf(sess), trig); err != nil {
		sendMigrationError(sess, migrate.Reason(err))
		return
	}
	if err := sess.Advance(session.MigratingOut); err != nil {
		sess.Log().Warn("migration trigger rejected", zap.Error(err))
		return
	}

	subj := subjectOf(sess)
	log := sess.Log()
	go func() {
		redirect, err := deps.Coordinator.Migrate(context.Background(), subj, trig)
		delivered := sess.Do(func(s *net.Session) {
			finishMigration(s, deps, redirect, err)
		})
		if !delivered && redirect != nil {
			log.Info("session closed before redirect, ticket will expire",
				zap.String("ticket", redirect.TicketID))
		}
	}()
}

func subjectOf(sess *net.Session) migrate.Subject {
	return migrate.Subject{
		AccountID:   sess.AccountID,
		CharacterID: sess.CharacterID,
		MachineID:   sess.MachineID,
		MapID:       sess.MapID,
	}
}

// finishMigration runs on the session goroutine with the coordinator's
// outcome.
func finishMigration(sess *net.Session, deps *Deps, redirect *migrate.Redirect, err error) {
	if sess.State() != session.MigratingOut {
		return
	}
	if err != nil {
		if rerr := sess.RevertMigration(); rerr != nil {
			sess.Log().Error("cannot revert migration", zap.Error(rerr))
			return
		}
		sendMigrationError(sess, migrate.Reason(err))
		return
	}

	sess.MigratedOut = true
	detachField(sess, deps)
	sess.SendAndClose(redirectPacket(sess.Charset(), redirect))
}

func detachField(sess *net.Session, deps *Deps) {
	if sess.Field == nil {
		return
	}
	deps.Fields.Detach(sess.Field, sess.ID())
	sess.Field = nil
}

// relocate moves an Active session to another instance served by this
// process. No ticket is needed: ownership does not change.
func relocate(sess *net.Session, deps *Deps, target field.InstanceKey) {
	if sess.Field != nil && sess.Field.Key() == target {
		sendFieldEntered(sess, sess.Field)
		return
	}
	detachField(sess, deps)
	sess.Field = deps.Fields.Attach(target, sess)
	sess.MapID = target.MapID
	sess.Log().Info("moved locally", zap.Stringer("field", target))
	sendFieldEntered(sess, sess.Field)
}
