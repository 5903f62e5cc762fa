package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/l1jgo/handoff/internal/authority"
)

// ErrCharacterMissing is returned by FlushCharacter when no live row matches.
var ErrCharacterMissing = errors.New("character row missing")

type CharacterRepo struct {
	db *DB
}

func NewCharacterRepo(db *DB) *CharacterRepo {
	return &CharacterRepo{db: db}
}

// GetPlayerInfo loads the ownership facts of one character. Deleted
// characters read as missing.
func (r *CharacterRepo) GetPlayerInfo(ctx context.Context, characterID int32) (*authority.PlayerInfo, error) {
	info := &authority.PlayerInfo{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, account_id, name, map_id
		 FROM characters WHERE id = $1 AND NOT deleted`, characterID,
	).Scan(&info.CharacterID, &info.AccountID, &info.Name, &info.MapID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load character %d: %w", characterID, err)
	}
	return info, nil
}

// FlushCharacter durably writes the session-held state of a character.
// It must succeed before a migration ticket is requested.
func (r *CharacterRepo) FlushCharacter(ctx context.Context, characterID, mapID int32) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE characters SET map_id = $2, updated_at = now()
		 WHERE id = $1 AND NOT deleted`, characterID, mapID,
	)
	if err != nil {
		return fmt.Errorf("flush character %d: %w", characterID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("flush character %d: %w", characterID, ErrCharacterMissing)
	}
	return nil
}
