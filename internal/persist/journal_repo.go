package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/l1jgo/handoff/internal/authority"
)

// JournalRepo appends registry decisions to migration_journal.
type JournalRepo struct {
	db *DB
}

func NewJournalRepo(db *DB) *JournalRepo {
	return &JournalRepo{db: db}
}

const insertJournal = `INSERT INTO migration_journal
	(op, account_id, character_id, ticket_id, source, target, outcome, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Record implements authority.Journal.
func (r *JournalRepo) Record(ctx context.Context, e authority.JournalEntry) error {
	if _, err := r.db.Pool.Exec(ctx, insertJournal, journalArgs(e)...); err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// RecordBatch writes entries in a single transaction: either all of them
// land or none do.
func (r *JournalRepo) RecordBatch(ctx context.Context, entries []authority.JournalEntry) error {
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		for _, e := range entries {
			if _, err := tx.Exec(ctx, insertJournal, journalArgs(e)...); err != nil {
				return fmt.Errorf("journal insert: %w", err)
			}
		}
		return nil
	})
}

// Prune deletes entries recorded before cutoff.
func (r *JournalRepo) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM migration_journal WHERE recorded_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func journalArgs(e authority.JournalEntry) []any {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return []any{e.Op, e.AccountID, e.CharacterID, e.TicketID, e.Source, e.Target, e.Outcome, at.UTC()}
}
