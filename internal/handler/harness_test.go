package handler

import (
	"context"
	gonet "net"
	"sync"
	"testing"
	"time"

	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/config"
	"github.com/l1jgo/handoff/internal/data"
	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/migrate"
	"github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
	"github.com/l1jgo/handoff/internal/session"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

var (
	game1 = authority.Owner{Kind: authority.KindGame, Channel: 1}
	game3 = authority.Owner{Kind: authority.KindGame, Channel: 3}
	login = authority.Owner{Kind: authority.KindLogin, Channel: 0}
)

type stubPlayers map[int32]*authority.PlayerInfo

func (p stubPlayers) GetPlayerInfo(_ context.Context, id int32) (*authority.PlayerInfo, error) {
	return p[id], nil
}

var players = stubPlayers{
	200: {CharacterID: 200, AccountID: 100, Name: "Alpha", MapID: 10},
	201: {CharacterID: 201, AccountID: 101, Name: "Bravo", MapID: 10},
}

type authorityHarness struct {
	reg    *authority.MemoryRegistry
	svc    *authority.Service
	client *authority.Client
}

func startAuthority(t *testing.T) *authorityHarness {
	t.Helper()
	h := &authorityHarness{reg: authority.NewMemoryRegistry(time.Minute)}
	dir := authority.NewDirectory(0,
		authority.Endpoint{Owner: game1, IPAddress: "127.0.0.1", Port: 7001},
		authority.Endpoint{Owner: game3, IPAddress: "127.0.0.1", Port: 7003},
		authority.Endpoint{Owner: login, IPAddress: "127.0.0.1", Port: 2000},
	)
	h.svc = authority.NewService(h.reg, dir, players, authority.Options{TicketTTL: 30 * time.Second})

	lis := bufconn.Listen(1 << 20)
	srv, _ := authority.NewGRPCServer(h.svc, zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := authority.Dial(ctx, "passthrough:///bufnet", 5*time.Second, zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (gonet.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	h.client = client
	return h
}

// bootstrap issues the ticket a login front-end would hand the client.
func (h *authorityHarness) bootstrap(t *testing.T, accountID, characterID int32, target authority.Owner, mapID int32) []byte {
	t.Helper()
	resp, err := h.svc.IssueMigrationTicket(context.Background(), &authority.IssueRequest{
		AccountID:   accountID,
		CharacterID: characterID,
		MachineID:   "m1",
		Source:      login,
		Target:      target,
		MapID:       mapID,
	})
	require.NoError(t, err)
	return resp.Token
}

func (h *authorityHarness) owner(accountID int32) (authority.Owner, bool) {
	o, ok, _ := h.reg.Owner(context.Background(), accountID)
	return o, ok
}

type channelHarness struct {
	srv    *net.Server
	deps   *Deps
	fields *field.Manager
}

type channelOpts struct {
	issuer      migrate.Authority
	rpcTimeout  time.Duration
	mapChannels map[string]int32
	portals     *data.PortalTable
}

func startChannel(t *testing.T, auth *authorityHarness, self authority.Owner, opts channelOpts) *channelHarness {
	t.Helper()
	log := zap.NewNop()
	if opts.rpcTimeout == 0 {
		opts.rpcTimeout = 2 * time.Second
	}
	var issuer migrate.Authority = auth.client
	if opts.issuer != nil {
		issuer = opts.issuer
	}

	cfg := &config.Channel{
		Authority:   config.AuthorityClient{RPCTimeout: opts.rpcTimeout},
		Session:     config.SessionConfig{MaxViolations: 3, FieldEnterTimeout: 2 * time.Second, RedeemTimeout: 2 * time.Second},
		MapChannels: opts.mapChannels,
	}
	fields := field.NewManager(log)
	deps := &Deps{
		Config:    cfg,
		Self:      self,
		Authority: auth.client,
		Coordinator: migrate.New(issuer, nil, self, migrate.Options{
			Timeout: opts.rpcTimeout,
			Login:   login,
			Log:     log,
		}),
		Fields:  fields,
		Portals: opts.portals,
		Players: players,
		Log:     log,
	}
	reg := packet.NewRegistry(packet.UTF8, log)
	RegisterAll(reg, deps)

	srv := net.NewServer(reg, NewLifecycle(deps), net.Options{
		InQueueSize:   16,
		OutQueueSize:  16,
		MaxViolations: 3,
	}, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &channelHarness{srv: srv, deps: deps, fields: fields}
}

// only returns the single live session.
func (c *channelHarness) only(t *testing.T) *net.Session {
	t.Helper()
	var found *net.Session
	c.srv.Each(func(s *net.Session) { found = s })
	require.NotNil(t, found)
	return found
}

type client struct {
	t    *testing.T
	conn *net.ClientConn
}

func connect(t *testing.T, ch *channelHarness) *client {
	t.Helper()
	serverSide, clientSide := gonet.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})
	go func() {
		fc, err := net.NewTCPConn(serverSide, 0, 2*time.Second)
		if err != nil {
			return
		}
		ch.srv.Serve(fc)
	}()
	conn, err := net.NewClientConn(clientSide)
	require.NoError(t, err)
	return &client{t: t, conn: conn}
}

func (c *client) send(opcode byte, build func(w *packet.Writer)) {
	c.t.Helper()
	w := packet.NewWriter(opcode, packet.UTF8)
	if build != nil {
		build(w)
	}
	require.NoError(c.t, c.conn.WriteFrame(w.Bytes()))
}

type frameResult struct {
	data []byte
	err  error
}

// next reads one frame or fails after a timeout.
func (c *client) next() ([]byte, error) {
	ch := make(chan frameResult, 1)
	go func() {
		data, err := c.conn.ReadFrame()
		ch <- frameResult{data, err}
	}()
	select {
	case r := <-ch:
		return r.data, r.err
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
		return nil, nil
	}
}

// expect reads frames until one with opcode arrives.
func (c *client) expect(opcode byte) *packet.Reader {
	c.t.Helper()
	for {
		data, err := c.next()
		require.NoError(c.t, err, "waiting for opcode %d", opcode)
		if data[0] == opcode {
			return packet.NewReader(data, packet.UTF8)
		}
		require.NotEqual(c.t, packet.S_OPCODE_DISCONNECT, data[0], "disconnected (reason %d) while waiting for opcode %d", data[1], opcode)
	}
}

// expectClosed drains frames until the server closes the connection.
func (c *client) expectClosed() {
	c.t.Helper()
	for {
		if _, err := c.next(); err != nil {
			return
		}
	}
}

type entered struct {
	mapID, instanceID, ownerID int32
	members                    uint16
}

// enter runs version, redeem and the field handshake.
func (c *client) enter(accountID int32, token []byte) entered {
	c.t.Helper()
	c.send(packet.C_OPCODE_VERSION, nil)
	c.expect(packet.S_OPCODE_VERSION_CHECK)

	c.send(packet.C_OPCODE_REDEEM_TICKET, func(w *packet.Writer) {
		w.WriteD(accountID)
		w.WriteBlob(token)
		w.WriteS("m1")
	})
	r := c.expect(packet.S_OPCODE_FIELD_PREPARE)
	key := r.ReadBytes(field.KeySize)

	c.send(packet.C_OPCODE_FIELD_ENTER_ACK, func(w *packet.Writer) { w.WriteBytes(key) })
	r = c.expect(packet.S_OPCODE_FIELD_ENTERED)
	return entered{mapID: r.ReadD(), instanceID: r.ReadD(), ownerID: r.ReadD(), members: r.ReadH()}
}

type redirect struct {
	ip    string
	port  uint16
	token []byte
	mapID int32
}

func readRedirect(r *packet.Reader) redirect {
	return redirect{ip: r.ReadS(), port: r.ReadH(), token: r.ReadBlob(), mapID: r.ReadD()}
}

func waitState(t *testing.T, s *net.Session, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state is %s, want %s", s.State(), want)
}

// gatedIssuer blocks every issue until released or the call's deadline.
type gatedIssuer struct {
	mu      sync.Mutex
	calls   int
	release chan error
}

func newGatedIssuer() *gatedIssuer {
	return &gatedIssuer{release: make(chan error, 1)}
}

func (g *gatedIssuer) IssueMigrationTicket(ctx context.Context, _ *authority.IssueRequest) (*authority.IssueResponse, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	select {
	case err := <-g.release:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedIssuer) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
