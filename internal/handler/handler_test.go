package handler

import (
	"testing"
	"time"

	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/data"
	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/net/packet"
	"github.com/l1jgo/handoff/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelChangeEndToEnd(t *testing.T) {
	auth := startAuthority(t)
	ch1 := startChannel(t, auth, game1, channelOpts{})
	ch3 := startChannel(t, auth, game3, channelOpts{})

	token := auth.bootstrap(t, 100, 200, game1, 10)

	c1 := connect(t, ch1)
	got := c1.enter(100, token)
	assert.Equal(t, int32(10), got.mapID)
	owner, ok := auth.owner(100)
	require.True(t, ok)
	assert.Equal(t, game1, owner)

	c1.send(packet.C_OPCODE_CHANGE_CHANNEL, func(w *packet.Writer) { w.WriteD(3) })
	red := readRedirect(c1.expect(packet.S_OPCODE_MIGRATION_REDIRECT))
	assert.Equal(t, "127.0.0.1", red.ip)
	assert.Equal(t, uint16(7003), red.port)
	assert.Equal(t, int32(10), red.mapID)
	assert.Len(t, red.token, authority.TokenSize)
	c1.expectClosed()

	require.Eventually(t, func() bool { return ch1.srv.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
	in, ok := ch1.fields.Lookup(field.InstanceKey{MapID: 10})
	require.True(t, ok, "public instances outlive their members")
	assert.Equal(t, 0, in.Len())

	// Channel 1 gave up its own claim on the way out; the ticket is still
	// good for channel 3.
	_, ok = auth.owner(100)
	assert.False(t, ok)

	c3 := connect(t, ch3)
	got = c3.enter(100, red.token)
	assert.Equal(t, int32(10), got.mapID)
	assert.Equal(t, uint16(1), got.members)

	owner, ok = auth.owner(100)
	require.True(t, ok)
	assert.Equal(t, game3, owner)

	// The old ticket is spent.
	c1b := connect(t, ch3)
	c1b.send(packet.C_OPCODE_VERSION, nil)
	c1b.expect(packet.S_OPCODE_VERSION_CHECK)
	c1b.send(packet.C_OPCODE_REDEEM_TICKET, func(w *packet.Writer) {
		w.WriteD(100)
		w.WriteBlob(token)
		w.WriteS("m1")
	})
	frame, err := c1b.next()
	require.NoError(t, err)
	assert.Equal(t, packet.S_OPCODE_DISCONNECT, frame[0])
	assert.Equal(t, packet.DisconnectRedeemFailed, frame[1])

	c3.send(packet.C_OPCODE_QUIT, nil)
	c3.expectClosed()
	require.Eventually(t, func() bool {
		_, ok := auth.owner(100)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestIssueTimeoutKeepsSessionActive(t *testing.T) {
	auth := startAuthority(t)
	issuer := newGatedIssuer()
	ch1 := startChannel(t, auth, game1, channelOpts{issuer: issuer, rpcTimeout: 50 * time.Millisecond})

	c := connect(t, ch1)
	c.enter(100, auth.bootstrap(t, 100, 200, game1, 10))

	c.send(packet.C_OPCODE_CHANGE_CHANNEL, func(w *packet.Writer) { w.WriteD(3) })
	r := c.expect(packet.S_OPCODE_MIGRATION_ERROR)
	assert.Equal(t, string(authority.CodeTimeout), r.ReadS())

	sess := ch1.only(t)
	waitState(t, sess, session.Active)
	assert.Equal(t, 1, issuer.Calls(), "a timed-out issue is never retried")
	assert.False(t, ch1.deps.Coordinator.InFlight(100))

	ticket, err := auth.reg.Outstanding(t.Context(), 100, time.Now())
	require.NoError(t, err)
	assert.Nil(t, ticket)
	owner, _ := auth.owner(100)
	assert.Equal(t, game1, owner)
}

func TestTriggerWhileMigratingIsBusy(t *testing.T) {
	auth := startAuthority(t)
	issuer := newGatedIssuer()
	ch1 := startChannel(t, auth, game1, channelOpts{issuer: issuer, rpcTimeout: 2 * time.Second})

	c := connect(t, ch1)
	c.enter(100, auth.bootstrap(t, 100, 200, game1, 10))

	c.send(packet.C_OPCODE_CHANGE_CHANNEL, func(w *packet.Writer) { w.WriteD(3) })
	sess := ch1.only(t)
	waitState(t, sess, session.MigratingOut)

	c.send(packet.C_OPCODE_CHANGE_CHANNEL, func(w *packet.Writer) { w.WriteD(3) })
	r := c.expect(packet.S_OPCODE_MIGRATION_ERROR)
	assert.Equal(t, string(authority.CodeAccountBusy), r.ReadS())

	issuer.release <- authority.ErrChannelUnavailable
	r = c.expect(packet.S_OPCODE_MIGRATION_ERROR)
	assert.Equal(t, string(authority.CodeChannelUnavailable), r.ReadS())
	waitState(t, sess, session.Active)
	assert.Equal(t, 1, issuer.Calls())
}

func TestUnavailableIsRetriedOnce(t *testing.T) {
	auth := startAuthority(t)
	issuer := newGatedIssuer()
	ch1 := startChannel(t, auth, game1, channelOpts{issuer: issuer, rpcTimeout: time.Second})

	c := connect(t, ch1)
	c.enter(100, auth.bootstrap(t, 100, 200, game1, 10))

	c.send(packet.C_OPCODE_CHANGE_CHANNEL, func(w *packet.Writer) { w.WriteD(3) })
	issuer.release <- authority.ErrUnavailable
	require.Eventually(t, func() bool { return issuer.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	issuer.release <- authority.ErrUnavailable

	r := c.expect(packet.S_OPCODE_MIGRATION_ERROR)
	assert.Equal(t, string(authority.CodeUnavailable), r.ReadS())
	assert.Equal(t, 2, issuer.Calls())
}

func TestDuplicateFieldEnterAckIsNoop(t *testing.T) {
	auth := startAuthority(t)
	ch1 := startChannel(t, auth, game1, channelOpts{})

	c := connect(t, ch1)
	c.send(packet.C_OPCODE_VERSION, nil)
	c.expect(packet.S_OPCODE_VERSION_CHECK)
	c.send(packet.C_OPCODE_REDEEM_TICKET, func(w *packet.Writer) {
		w.WriteD(100)
		w.WriteBlob(auth.bootstrap(t, 100, 200, game1, 10))
		w.WriteS("m1")
	})
	key := c.expect(packet.S_OPCODE_FIELD_PREPARE).ReadBytes(16)
	c.send(packet.C_OPCODE_FIELD_ENTER_ACK, func(w *packet.Writer) { w.WriteBytes(key) })
	c.expect(packet.S_OPCODE_FIELD_ENTERED)

	for range 5 {
		c.send(packet.C_OPCODE_FIELD_ENTER_ACK, func(w *packet.Writer) { w.WriteBytes(key) })
	}
	// Same-channel change is refused locally; the reply proves the acks
	// before it were handled without a disconnect.
	c.send(packet.C_OPCODE_CHANGE_CHANNEL, func(w *packet.Writer) { w.WriteD(1) })
	r := c.expect(packet.S_OPCODE_MIGRATION_ERROR)
	assert.Equal(t, string(authority.CodeInvalidArgument), r.ReadS())

	assert.Equal(t, session.Active, ch1.only(t).State())
	assert.Equal(t, 1, ch1.fields.Count())
}

func TestWrongFieldKeyDisconnectsAndReleases(t *testing.T) {
	auth := startAuthority(t)
	ch1 := startChannel(t, auth, game1, channelOpts{})

	c := connect(t, ch1)
	c.send(packet.C_OPCODE_VERSION, nil)
	c.expect(packet.S_OPCODE_VERSION_CHECK)
	c.send(packet.C_OPCODE_REDEEM_TICKET, func(w *packet.Writer) {
		w.WriteD(100)
		w.WriteBlob(auth.bootstrap(t, 100, 200, game1, 10))
		w.WriteS("m1")
	})
	key := c.expect(packet.S_OPCODE_FIELD_PREPARE).ReadBytes(16)
	key[0] ^= 0xFF
	c.send(packet.C_OPCODE_FIELD_ENTER_ACK, func(w *packet.Writer) { w.WriteBytes(key) })

	frame, err := c.next()
	require.NoError(t, err)
	assert.Equal(t, packet.S_OPCODE_DISCONNECT, frame[0])
	assert.Equal(t, packet.DisconnectFieldKey, frame[1])
	c.expectClosed()

	require.Eventually(t, func() bool {
		_, ok := auth.owner(100)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, ch1.fields.Count())
}

func TestRedeemWrongMachineDisconnects(t *testing.T) {
	auth := startAuthority(t)
	ch1 := startChannel(t, auth, game1, channelOpts{})
	token := auth.bootstrap(t, 100, 200, game1, 10)

	c := connect(t, ch1)
	c.send(packet.C_OPCODE_VERSION, nil)
	c.expect(packet.S_OPCODE_VERSION_CHECK)
	c.send(packet.C_OPCODE_REDEEM_TICKET, func(w *packet.Writer) {
		w.WriteD(100)
		w.WriteBlob(token)
		w.WriteS("someone-else")
	})
	frame, err := c.next()
	require.NoError(t, err)
	assert.Equal(t, packet.DisconnectRedeemFailed, frame[1])
	c.expectClosed()

	// The ticket survived the mismatch.
	c2 := connect(t, ch1)
	assert.Equal(t, int32(10), c2.enter(100, token).mapID)
}

func TestRedeemOnWrongChannelKeepsTicket(t *testing.T) {
	auth := startAuthority(t)
	ch3 := startChannel(t, auth, game3, channelOpts{})
	ch1 := startChannel(t, auth, game1, channelOpts{})
	token := auth.bootstrap(t, 100, 200, game1, 10)

	c := connect(t, ch3)
	c.send(packet.C_OPCODE_VERSION, nil)
	c.expect(packet.S_OPCODE_VERSION_CHECK)
	c.send(packet.C_OPCODE_REDEEM_TICKET, func(w *packet.Writer) {
		w.WriteD(100)
		w.WriteBlob(token)
		w.WriteS("m1")
	})
	c.expectClosed()

	assert.Equal(t, int32(10), connect(t, ch1).enter(100, token).mapID)
}

func TestPacketsBeforeRedeemCountAsViolations(t *testing.T) {
	auth := startAuthority(t)
	ch1 := startChannel(t, auth, game1, channelOpts{})

	c := connect(t, ch1)
	c.send(packet.C_OPCODE_VERSION, nil)
	c.expect(packet.S_OPCODE_VERSION_CHECK)
	for range 3 {
		c.send(packet.C_OPCODE_SAY, func(w *packet.Writer) { w.WriteS("hi") })
	}
	frame, err := c.next()
	require.NoError(t, err)
	assert.Equal(t, packet.S_OPCODE_DISCONNECT, frame[0])
	assert.Equal(t, packet.DisconnectProtocol, frame[1])
}

func TestSayReachesFieldMembers(t *testing.T) {
	auth := startAuthority(t)
	ch1 := startChannel(t, auth, game1, channelOpts{})

	a := connect(t, ch1)
	a.enter(100, auth.bootstrap(t, 100, 200, game1, 10))
	b := connect(t, ch1)
	got := b.enter(101, auth.bootstrap(t, 101, 201, game1, 10))
	assert.Equal(t, uint16(2), got.members)

	a.send(packet.C_OPCODE_SAY, func(w *packet.Writer) { w.WriteS("hello") })
	r := b.expect(packet.S_OPCODE_FIELD_NOTICE)
	assert.Equal(t, "Alpha", r.ReadS())
	assert.Equal(t, "hello", r.ReadS())
}

func TestTeleportLocalAndRemote(t *testing.T) {
	auth := startAuthority(t)
	ch1 := startChannel(t, auth, game1, channelOpts{mapChannels: map[string]int32{"20": 3}})

	c := connect(t, ch1)
	c.enter(100, auth.bootstrap(t, 100, 200, game1, 10))

	c.send(packet.C_OPCODE_TELEPORT, func(w *packet.Writer) { w.WriteD(5) })
	r := c.expect(packet.S_OPCODE_FIELD_ENTERED)
	assert.Equal(t, int32(5), r.ReadD())
	assert.Equal(t, session.Active, ch1.only(t).State())
	old, ok := ch1.fields.Lookup(field.InstanceKey{MapID: 10})
	require.True(t, ok)
	assert.Equal(t, 0, old.Len())

	c.send(packet.C_OPCODE_TELEPORT, func(w *packet.Writer) { w.WriteD(20) })
	red := readRedirect(c.expect(packet.S_OPCODE_MIGRATION_REDIRECT))
	assert.Equal(t, uint16(7003), red.port)
	assert.Equal(t, int32(20), red.mapID)
}

func TestPortalIntoPrivateInstance(t *testing.T) {
	auth := startAuthority(t)
	portals, err := data.ParsePortalTable([]byte(`
- id: 1
  src_map_id: 10
  dst_map_id: 16400
  dst_channel: 3
  instanced: true
- id: 2
  src_map_id: 99
  dst_map_id: 4
`))
	require.NoError(t, err)
	ch1 := startChannel(t, auth, game1, channelOpts{portals: portals})
	ch3 := startChannel(t, auth, game3, channelOpts{portals: portals})

	c := connect(t, ch1)
	c.enter(100, auth.bootstrap(t, 100, 200, game1, 10))

	// Portal 2 is not on this map.
	c.send(packet.C_OPCODE_ENTER_PORTAL, func(w *packet.Writer) { w.WriteD(2) })
	r := c.expect(packet.S_OPCODE_MIGRATION_ERROR)
	assert.Equal(t, string(authority.CodeInvalidArgument), r.ReadS())

	c.send(packet.C_OPCODE_ENTER_PORTAL, func(w *packet.Writer) { w.WriteD(1) })
	red := readRedirect(c.expect(packet.S_OPCODE_MIGRATION_REDIRECT))
	assert.Equal(t, uint16(7003), red.port)

	got := connect(t, ch3).enter(100, red.token)
	assert.Equal(t, int32(16400), got.mapID)
	assert.Equal(t, int32(200), got.ownerID)
}

func TestLoginLobbyToGame(t *testing.T) {
	auth := startAuthority(t)
	lobby := startChannel(t, auth, login, channelOpts{})
	ch1 := startChannel(t, auth, game1, channelOpts{})

	c := connect(t, lobby)
	got := c.enter(100, auth.bootstrap(t, 100, 200, login, authority.NoMap))
	assert.Equal(t, authority.NoMap, got.mapID)

	// Redeeming into the login tier leaves the account unowned.
	_, ok := auth.owner(100)
	assert.False(t, ok)

	c.send(packet.C_OPCODE_CHANGE_CHANNEL, func(w *packet.Writer) { w.WriteD(1) })
	red := readRedirect(c.expect(packet.S_OPCODE_MIGRATION_REDIRECT))
	assert.Equal(t, uint16(7001), red.port)
	assert.Equal(t, authority.NoMap, red.mapID)

	// The stored map fills in for the missing one.
	got = connect(t, ch1).enter(100, red.token)
	assert.Equal(t, int32(10), got.mapID)
}

func TestLogoutRedirectsToLogin(t *testing.T) {
	auth := startAuthority(t)
	ch1 := startChannel(t, auth, game1, channelOpts{})

	c := connect(t, ch1)
	c.enter(100, auth.bootstrap(t, 100, 200, game1, 10))

	c.send(packet.C_OPCODE_LOGOUT, nil)
	red := readRedirect(c.expect(packet.S_OPCODE_MIGRATION_REDIRECT))
	assert.Equal(t, uint16(2000), red.port)
	assert.Equal(t, authority.NoMap, red.mapID)
}

func TestFieldEntryTimeout(t *testing.T) {
	auth := startAuthority(t)
	ch1 := startChannel(t, auth, game1, channelOpts{})
	ch1.deps.Config.Session.FieldEnterTimeout = 50 * time.Millisecond

	c := connect(t, ch1)
	c.send(packet.C_OPCODE_VERSION, nil)
	c.expect(packet.S_OPCODE_VERSION_CHECK)
	c.send(packet.C_OPCODE_REDEEM_TICKET, func(w *packet.Writer) {
		w.WriteD(100)
		w.WriteBlob(auth.bootstrap(t, 100, 200, game1, 10))
		w.WriteS("m1")
	})
	c.expect(packet.S_OPCODE_FIELD_PREPARE)

	frame, err := c.next()
	require.NoError(t, err)
	assert.Equal(t, packet.S_OPCODE_DISCONNECT, frame[0])
	assert.Equal(t, packet.DisconnectFieldTimeout, frame[1])
}

func TestShutdownReleasesOwnedSessions(t *testing.T) {
	auth := startAuthority(t)
	ch1 := startChannel(t, auth, game1, channelOpts{})

	c := connect(t, ch1)
	c.enter(100, auth.bootstrap(t, 100, 200, game1, 10))

	frames := make(chan []byte, 1)
	go func() {
		frame, err := c.conn.ReadFrame()
		if err == nil {
			frames <- frame
		}
		close(frames)
	}()

	require.NoError(t, ch1.srv.Shutdown(t.Context()))
	if frame, ok := <-frames; ok {
		assert.Equal(t, packet.DisconnectServerClosing, frame[1])
	}
	_, ok := auth.owner(100)
	assert.False(t, ok)
}
