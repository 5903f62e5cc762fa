package authority

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// PlayerInfo is the slice of a character record the authority needs.
type PlayerInfo struct {
	CharacterID int32
	AccountID   int32
	Name        string
	MapID       int32
}

// PlayerInfoProvider looks up characters. A nil result with a nil error
// means the character does not exist.
type PlayerInfoProvider interface {
	GetPlayerInfo(ctx context.Context, characterID int32) (*PlayerInfo, error)
}

// JournalEntry is one audited registry decision.
type JournalEntry struct {
	Op          string // "issue", "redeem", "release"
	AccountID   int32
	CharacterID int32
	TicketID    string
	Source      string
	Target      string
	Outcome     string // "ok" or an error code
	At          time.Time
}

// Journal receives an entry for every registry decision.
type Journal interface {
	Record(ctx context.Context, e JournalEntry) error
}

type IssueRequest struct {
	AccountID   int32  `json:"account_id"`
	CharacterID int32  `json:"character_id"`
	MachineID   string `json:"machine_id"`
	Source      Owner  `json:"source"`
	Target      Owner  `json:"target"`
	MapID       int32  `json:"map_id"`
	InstanceID  int32  `json:"instance_id"`
	PortalID    int32  `json:"portal_id"`
	OwnerID     int32  `json:"owner_id"`
}

type IssueResponse struct {
	TicketID  string    `json:"ticket_id"`
	Token     []byte    `json:"token"`
	IPAddress string    `json:"ip_address"`
	Port      uint16    `json:"port"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RedeemRequest struct {
	AccountID int32  `json:"account_id"`
	Token     []byte `json:"token"`
	MachineID string `json:"machine_id"`
	Redeemer  *Owner `json:"redeemer,omitempty"`
}

type RedeemResponse struct {
	TicketID    string `json:"ticket_id"`
	CharacterID int32  `json:"character_id"`
	Source      Owner  `json:"source"`
	Target      Owner  `json:"target"`
	MapID       int32  `json:"map_id"`
	InstanceID  int32  `json:"instance_id"`
	PortalID    int32  `json:"portal_id"`
	OwnerID     int32  `json:"owner_id"`
}

type ReleaseRequest struct {
	AccountID int32  `json:"account_id"`
	Owner     *Owner `json:"owner,omitempty"`
}

type ReleaseResponse struct{}

type HeartbeatRequest struct {
	Endpoint Endpoint `json:"endpoint"`
}

type HeartbeatResponse struct{}

// Options tune a Service.
type Options struct {
	TicketTTL time.Duration
	Journal   Journal
	Log       *zap.Logger
	Now       func() time.Time
}

// Service enforces the single-active-session rule on top of a Registry.
type Service struct {
	registry  Registry
	directory *Directory
	players   PlayerInfoProvider
	journal   Journal
	ttl       time.Duration
	now       func() time.Time
	newToken  func() ([]byte, error)
	log       *zap.Logger
}

// NewService wires the service. A nil players provider skips character
// ownership checks and the stored-map fallback.
func NewService(reg Registry, dir *Directory, players PlayerInfoProvider, opts Options) *Service {
	s := &Service{
		registry:  reg,
		directory: dir,
		players:   players,
		journal:   opts.Journal,
		ttl:       opts.TicketTTL,
		now:       opts.Now,
		newToken:  NewToken,
		log:       opts.Log,
	}
	if s.ttl <= 0 {
		s.ttl = 30 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// IssueMigrationTicket creates the account's only outstanding ticket.
func (s *Service) IssueMigrationTicket(ctx context.Context, req *IssueRequest) (*IssueResponse, error) {
	if req.AccountID <= 0 || req.Target.Kind == KindUnknown || req.Source.Kind == KindUnknown {
		return nil, &Error{Code: CodeInvalidArgument, Message: "issue: account and owners are required"}
	}
	now := s.now()

	if req.Target.Kind == KindGame || req.CharacterID != 0 {
		if err := s.checkCharacter(ctx, req.AccountID, req.CharacterID); err != nil {
			s.record(ctx, "issue", req.AccountID, req.CharacterID, "", req.Source, req.Target, err)
			return nil, err
		}
	}

	ep, ok := s.directory.Resolve(req.Target, now)
	if !ok {
		s.record(ctx, "issue", req.AccountID, req.CharacterID, "", req.Source, req.Target, ErrChannelUnavailable)
		return nil, ErrChannelUnavailable
	}

	token, err := s.newToken()
	if err != nil {
		return nil, wrapError(CodeInternal, "issue", err)
	}
	t := &Ticket{
		ID:          newTicketID(),
		AccountID:   req.AccountID,
		CharacterID: req.CharacterID,
		MachineID:   req.MachineID,
		Digest:      digestOf(token),
		Source:      req.Source,
		Target:      req.Target,
		MapID:       req.MapID,
		InstanceID:  req.InstanceID,
		PortalID:    req.PortalID,
		OwnerID:     req.OwnerID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.ttl),
	}
	err = s.registry.Issue(ctx, t, now)
	if errors.Is(err, ErrAccountBusy) && s.releaseGoneOwner(ctx, req.AccountID, now) {
		err = s.registry.Issue(ctx, t, now)
	}
	if err != nil {
		s.record(ctx, "issue", req.AccountID, req.CharacterID, t.ID, req.Source, req.Target, err)
		if CodeOf(err) == CodeUnknown {
			return nil, wrapError(CodeInternal, "issue", err)
		}
		return nil, err
	}

	s.log.Info("ticket issued",
		zap.String("ticket", t.ID),
		zap.Int32("account", t.AccountID),
		zap.Int32("character", t.CharacterID),
		zap.Stringer("source", t.Source),
		zap.Stringer("target", t.Target),
		zap.Int32("map", t.MapID),
	)
	s.record(ctx, "issue", t.AccountID, t.CharacterID, t.ID, t.Source, t.Target, nil)

	return &IssueResponse{
		TicketID:  t.ID,
		Token:     token,
		IPAddress: ep.IPAddress,
		Port:      ep.Port,
		ExpiresAt: t.ExpiresAt,
	}, nil
}

// releaseGoneOwner clears the account's owner when that process stopped
// heartbeating; its sessions cannot be live any more. It reports whether
// an owner was released.
func (s *Service) releaseGoneOwner(ctx context.Context, accountID int32, now time.Time) bool {
	owner, ok, err := s.registry.Owner(ctx, accountID)
	if err != nil || !ok || !s.directory.Gone(owner, now) {
		return false
	}
	if err := s.registry.Release(ctx, accountID, &owner); err != nil {
		s.log.Error("release of silent owner failed", zap.Int32("account", accountID), zap.Error(err))
		return false
	}
	s.log.Warn("owner stopped heartbeating, account released",
		zap.Int32("account", accountID),
		zap.Stringer("owner", owner),
	)
	s.record(ctx, "release", accountID, 0, "", owner, Owner{}, nil)
	return true
}

func (s *Service) checkCharacter(ctx context.Context, accountID, characterID int32) error {
	if characterID <= 0 {
		return ErrInvalidCharacter
	}
	if s.players == nil {
		return nil
	}
	info, err := s.players.GetPlayerInfo(ctx, characterID)
	if err != nil {
		return wrapError(CodeInternal, "load player info", err)
	}
	if info == nil || info.AccountID != accountID {
		return ErrInvalidCharacter
	}
	return nil
}

// RedeemTicket consumes a ticket exactly once.
func (s *Service) RedeemTicket(ctx context.Context, req *RedeemRequest) (*RedeemResponse, error) {
	if req.AccountID <= 0 || len(req.Token) != TokenSize {
		s.record(ctx, "redeem", req.AccountID, 0, "", Owner{}, Owner{}, ErrNotFound)
		return nil, ErrNotFound
	}
	t, err := s.registry.Redeem(ctx, Redemption{
		AccountID: req.AccountID,
		Digest:    digestOf(req.Token),
		MachineID: req.MachineID,
		Redeemer:  req.Redeemer,
	}, s.now())
	if err != nil {
		s.log.Warn("ticket redeem rejected",
			zap.Int32("account", req.AccountID),
			zap.String("reason", string(CodeOf(err))),
		)
		s.record(ctx, "redeem", req.AccountID, 0, "", Owner{}, Owner{}, err)
		if CodeOf(err) == CodeUnknown {
			return nil, wrapError(CodeInternal, "redeem", err)
		}
		return nil, err
	}

	resp := &RedeemResponse{
		TicketID:    t.ID,
		CharacterID: t.CharacterID,
		Source:      t.Source,
		Target:      t.Target,
		MapID:       t.MapID,
		InstanceID:  t.InstanceID,
		PortalID:    t.PortalID,
		OwnerID:     t.OwnerID,
	}
	if resp.MapID == NoMap && t.Target.Kind == KindGame && s.players != nil {
		info, err := s.players.GetPlayerInfo(ctx, t.CharacterID)
		if err != nil {
			s.log.Error("load player map after redeem", zap.Int32("character", t.CharacterID), zap.Error(err))
		} else if info != nil {
			resp.MapID = info.MapID
		}
	}

	s.log.Info("ticket redeemed",
		zap.String("ticket", t.ID),
		zap.Int32("account", t.AccountID),
		zap.Int32("character", t.CharacterID),
		zap.Stringer("target", t.Target),
	)
	s.record(ctx, "redeem", t.AccountID, t.CharacterID, t.ID, t.Source, t.Target, nil)
	return resp, nil
}

// ReleaseSession drops the account's owner entry. It is idempotent.
func (s *Service) ReleaseSession(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	if req.AccountID <= 0 {
		return nil, &Error{Code: CodeInvalidArgument, Message: "release: account is required"}
	}
	if err := s.registry.Release(ctx, req.AccountID, req.Owner); err != nil {
		return nil, wrapError(CodeInternal, "release", err)
	}
	var owner Owner
	if req.Owner != nil {
		owner = *req.Owner
	}
	s.log.Debug("session released", zap.Int32("account", req.AccountID), zap.Stringer("owner", owner))
	s.record(ctx, "release", req.AccountID, 0, "", owner, Owner{}, nil)
	return &ReleaseResponse{}, nil
}

// Heartbeat marks a process endpoint as alive.
func (s *Service) Heartbeat(_ context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if req.Endpoint.Owner.Kind == KindUnknown {
		return nil, &Error{Code: CodeInvalidArgument, Message: "heartbeat: owner kind is required"}
	}
	s.directory.Heartbeat(req.Endpoint, s.now())
	return &HeartbeatResponse{}, nil
}

func (s *Service) record(ctx context.Context, op string, accountID, characterID int32, ticketID string, source, target Owner, err error) {
	if s.journal == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(CodeOf(err))
	}
	e := JournalEntry{
		Op:          op,
		AccountID:   accountID,
		CharacterID: characterID,
		TicketID:    ticketID,
		Source:      source.String(),
		Target:      target.String(),
		Outcome:     outcome,
		At:          s.now(),
	}
	if jerr := s.journal.Record(ctx, e); jerr != nil {
		s.log.Error("journal write failed", zap.String("op", op), zap.Int32("account", accountID), zap.Error(jerr))
	}
}
