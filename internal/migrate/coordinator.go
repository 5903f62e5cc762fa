// Package migrate turns migration triggers into authority ticket requests.
package migrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/l1jgo/handoff/internal/authority"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/l1jgo/handoff/internal/migrate")

// Authority is the part of the authority client the coordinator needs.
type Authority interface {
	IssueMigrationTicket(ctx context.Context, req *authority.IssueRequest) (*authority.IssueResponse, error)
}

// Flusher durably writes pending character state.
type Flusher interface {
	FlushCharacter(ctx context.Context, characterID, mapID int32) error
}

// Kind is what caused a migration.
type Kind int

const (
	Logout Kind = iota
	ChannelChange
	Portal
	Teleport
)

func (k Kind) String() string {
	switch k {
	case Logout:
		return "logout"
	case ChannelChange:
		return "channel_change"
	case Portal:
		return "portal"
	case Teleport:
		return "teleport"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Trigger describes where the session should go. Channel is ignored for
// Logout; MapID, InstanceID, OwnerID and PortalID only apply to Portal and
// Teleport.
type Trigger struct {
	Kind       Kind
	Channel    int32
	MapID      int32
	InstanceID int32
	OwnerID    int32
	PortalID   int32
}

// Subject is the session being migrated.
type Subject struct {
	AccountID   int32
	CharacterID int32
	MachineID   string
	MapID       int32 // current map
}

// Redirect is what the client needs to reconnect elsewhere.
type Redirect struct {
	TicketID     string
	IPAddress    string
	Port         uint16
	Token        []byte
	ContextMapID int32
	ExpiresAt    time.Time
}

// ErrBusy rejects a trigger while another migration for the same account
// is still in flight in this process.
var ErrBusy = &authority.Error{Code: authority.CodeAccountBusy, Message: "migration already in flight"}

// Options tune a Coordinator.
type Options struct {
	Timeout time.Duration // per RPC attempt
	Login   authority.Owner
	Log     *zap.Logger
}

// Coordinator issues migration tickets on behalf of local sessions.
type Coordinator struct {
	auth    Authority
	flusher Flusher
	self    authority.Owner
	login   authority.Owner
	timeout time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	inFlight map[int32]struct{}
}

func New(auth Authority, flusher Flusher, self authority.Owner, opts Options) *Coordinator {
	c := &Coordinator{
		auth:     auth,
		flusher:  flusher,
		self:     self,
		login:    opts.Login,
		timeout:  opts.Timeout,
		log:      opts.Log,
		inFlight: make(map[int32]struct{}),
	}
	if c.timeout <= 0 {
		c.timeout = 3 * time.Second
	}
	if c.login.Kind == authority.KindUnknown {
		c.login = authority.Owner{Kind: authority.KindLogin}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// acquire marks a migration in flight for accountID; false if one already is.
func (c *Coordinator) acquire(accountID int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[accountID]; busy {
		return false
	}
	c.inFlight[accountID] = struct{}{}
	return true
}

func (c *Coordinator) release(accountID int32) {
	c.mu.Lock()
	delete(c.inFlight, accountID)
	c.mu.Unlock()
}

// InFlight reports whether a migration for accountID is running.
func (c *Coordinator) InFlight(accountID int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[accountID]
	return ok
}

// Request builds the ticket request for a trigger.
func (c *Coordinator) Request(subj Subject, trig Trigger) (*authority.IssueRequest, error) {
	req := &authority.IssueRequest{
		AccountID:   subj.AccountID,
		CharacterID: subj.CharacterID,
		MachineID:   subj.MachineID,
		Source:      c.self,
	}
	switch trig.Kind {
	case Logout:
		req.Target = c.login
		req.MapID = authority.NoMap
	case ChannelChange:
		if trig.Channel == c.self.Channel && c.self.Kind == authority.KindGame {
			return nil, &authority.Error{Code: authority.CodeInvalidArgument, Message: "already on that channel"}
		}
		req.Target = authority.Owner{Kind: authority.KindGame, Channel: trig.Channel}
		req.MapID = subj.MapID
	case Portal, Teleport:
		req.Target = authority.Owner{Kind: authority.KindGame, Channel: trig.Channel}
		req.MapID = trig.MapID
		req.InstanceID = trig.InstanceID
		req.OwnerID = trig.OwnerID
		req.PortalID = trig.PortalID
	default:
		return nil, &authority.Error{Code: authority.CodeInvalidArgument, Message: "unknown trigger " + trig.Kind.String()}
	}
	return req, nil
}

// Migrate flushes the character, then asks the authority for a ticket.
// On any error nothing has been issued as far as this process knows and the
// caller must keep the session where it was.
func (c *Coordinator) Migrate(ctx context.Context, subj Subject, trig Trigger) (_ *Redirect, err error) {
	ctx, span := tracer.Start(ctx, "migrate."+trig.Kind.String())
	span.SetAttributes(
		attribute.Int("account.id", int(subj.AccountID)),
		attribute.Int("character.id", int(subj.CharacterID)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, string(Reason(err)))
		}
		span.End()
	}()

	req, err := c.Request(subj, trig)
	if err != nil {
		return nil, err
	}
	if !c.acquire(subj.AccountID) {
		return nil, ErrBusy
	}
	defer c.release(subj.AccountID)

	log := c.log.With(
		zap.Int32("account", subj.AccountID),
		zap.Int32("character", subj.CharacterID),
		zap.Stringer("trigger", trig.Kind),
		zap.Stringer("target", req.Target),
	)

	if subj.CharacterID > 0 && c.flusher != nil {
		fctx, cancel := context.WithTimeout(ctx, c.timeout)
		ferr := c.flusher.FlushCharacter(fctx, subj.CharacterID, subj.MapID)
		cancel()
		if ferr != nil {
			log.Error("flush before migration failed", zap.Error(ferr))
			return nil, &authority.Error{Code: authority.CodeInternal, Message: "flush character", Cause: ferr}
		}
	}

	resp, err := c.issue(ctx, req)
	if err != nil && authority.CodeOf(err) == authority.CodeUnavailable && ctx.Err() == nil {
		log.Warn("authority unavailable, retrying once", zap.Error(err))
		resp, err = c.issue(ctx, req)
	}
	if err != nil {
		log.Info("migration refused", zap.String("reason", string(Reason(err))), zap.Error(err))
		return nil, err
	}

	log.Info("migration ticket issued",
		zap.String("ticket", resp.TicketID),
		zap.String("ip", resp.IPAddress),
		zap.Uint16("port", resp.Port),
	)
	return &Redirect{
		TicketID:     resp.TicketID,
		IPAddress:    resp.IPAddress,
		Port:         resp.Port,
		Token:        resp.Token,
		ContextMapID: req.MapID,
		ExpiresAt:    resp.ExpiresAt,
	}, nil
}

func (c *Coordinator) issue(ctx context.Context, req *authority.IssueRequest) (*authority.IssueResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.auth.IssueMigrationTicket(callCtx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Token) != authority.TokenSize {
		return nil, &authority.Error{Code: authority.CodeInternal, Message: "malformed ticket response"}
	}
	return resp, nil
}

// Reason maps an error to the code shown to the client.
func Reason(err error) authority.Code {
	code := authority.CodeOf(err)
	if code == authority.CodeUnknown {
		return authority.CodeInternal
	}
	return code
}
