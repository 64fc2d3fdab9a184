package server

import (
	"encoding/base64"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"jim/auth"
	"jim/db"
	"jim/protocol"
)

func newTestServer(t *testing.T) (*Server, *db.Directory) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	srv := New(database, &Config{
		Port:         0, // pick a free port
		PollInterval: 10 * time.Millisecond,
		WriteTimeout: 2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, srv.Listen())

	go srv.Run()
	t.Cleanup(srv.Shutdown)

	return srv, database
}

type testClient struct {
	t  *testing.T
	nc net.Conn
	r  *protocol.Reader
}

func dialTest(t *testing.T, srv *Server) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &testClient{t: t, nc: nc, r: protocol.NewReader(nc)}
}

func (c *testClient) send(m protocol.Message) {
	c.t.Helper()
	c.nc.SetWriteDeadline(time.Now().Add(2 * time.Second))
	require.NoError(c.t, protocol.Write(c.nc, m))
}

func (c *testClient) recv() protocol.Message {
	c.t.Helper()
	msg, err := c.tryRecv()
	require.NoError(c.t, err)
	return msg
}

func (c *testClient) tryRecv() (protocol.Message, error) {
	c.nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	return c.r.Next()
}

func (c *testClient) code(m protocol.Message) int {
	c.t.Helper()
	code, ok := m.ResponseCode()
	require.True(c.t, ok, "message has no response code: %v", m)
	return code
}

// presence sends the opening handshake message and returns the reply.
func (c *testClient) presence(account, pubkey string) protocol.Message {
	c.t.Helper()
	m := protocol.New(protocol.ActionPresence)
	m[protocol.KeyAccountName] = account
	m[protocol.KeyPubkey] = pubkey
	c.send(m)
	return c.recv()
}

// authenticate runs the full challenge-response handshake.
func (c *testClient) authenticate(account, password, pubkey string) {
	c.t.Helper()

	challenge := c.presence(account, pubkey)
	require.Equal(c.t, protocol.StatusChallenge, c.code(challenge))

	nonce, err := base64.StdEncoding.DecodeString(challenge.Str(protocol.KeyData))
	require.NoError(c.t, err)

	answer := protocol.Response(protocol.StatusChallenge)
	digest := auth.Digest(auth.Verifier(account, password), nonce)
	answer[protocol.KeyData] = base64.StdEncoding.EncodeToString(digest)
	c.send(answer)

	require.Equal(c.t, protocol.StatusOK, c.code(c.recv()))
}

func register(t *testing.T, database *db.Directory, name, password string) {
	t.Helper()
	_, err := database.Register(name, password)
	require.NoError(t, err)
}

// Scenario A: register, connect, authenticate; one session bound.
func TestHandshakeSuccess(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")

	c := dialTest(t, srv)
	c.authenticate("alice", "pw1", "ALICE-KEY")

	assert.Equal(t, "connections=1,users=alice", srv.Stats())

	sessions := srv.ActiveSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].Account)

	// The directory recorded the login.
	rows, err := database.ActiveSessions()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	key, err := database.PublicKey("alice")
	require.NoError(t, err)
	assert.Equal(t, "ALICE-KEY", key)
	history, err := database.LoginHistory("alice")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// Scenario B: a second presence for a connected name is rejected and the
// first session is untouched.
func TestSecondPresenceRejected(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")

	first := dialTest(t, srv)
	first.authenticate("alice", "pw1", "")

	second := dialTest(t, srv)
	resp := second.presence("alice", "")
	assert.Equal(t, protocol.StatusError, second.code(resp))
	assert.Equal(t, "name busy", resp.Str(protocol.KeyError))

	// The second connection is closed by the server.
	_, err := second.tryRecv()
	assert.Error(t, err)

	// The first session still works.
	m := protocol.New(protocol.ActionGetUsers)
	m[protocol.KeyAccountName] = "alice"
	first.send(m)
	assert.Equal(t, protocol.StatusList, first.code(first.recv()))
	assert.Equal(t, "connections=1,users=alice", srv.Stats())
}

func TestPresenceUnregistered(t *testing.T) {
	srv, _ := newTestServer(t)

	c := dialTest(t, srv)
	resp := c.presence("nobody", "")
	assert.Equal(t, protocol.StatusError, c.code(resp))
	assert.Equal(t, "user not registered", resp.Str(protocol.KeyError))

	_, err := c.tryRecv()
	assert.Error(t, err)
}

func TestBadPassword(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")

	c := dialTest(t, srv)
	challenge := c.presence("alice", "")
	require.Equal(t, protocol.StatusChallenge, c.code(challenge))

	nonce, err := base64.StdEncoding.DecodeString(challenge.Str(protocol.KeyData))
	require.NoError(t, err)

	answer := protocol.Response(protocol.StatusChallenge)
	digest := auth.Digest(auth.Verifier("alice", "wrong"), nonce)
	answer[protocol.KeyData] = base64.StdEncoding.EncodeToString(digest)
	c.send(answer)

	resp := c.recv()
	assert.Equal(t, protocol.StatusError, c.code(resp))
	assert.Equal(t, "bad password", resp.Str(protocol.KeyError))
	assert.Equal(t, "connections=0,users=", srv.Stats())
}

// Flipping any byte of a correct digest must be rejected.
func TestFlippedDigestByte(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")

	c := dialTest(t, srv)
	challenge := c.presence("alice", "")
	require.Equal(t, protocol.StatusChallenge, c.code(challenge))

	nonce, err := base64.StdEncoding.DecodeString(challenge.Str(protocol.KeyData))
	require.NoError(t, err)

	digest := auth.Digest(auth.Verifier("alice", "pw1"), nonce)
	digest[len(digest)/2] ^= 0x01

	answer := protocol.Response(protocol.StatusChallenge)
	answer[protocol.KeyData] = base64.StdEncoding.EncodeToString(digest)
	c.send(answer)

	resp := c.recv()
	assert.Equal(t, protocol.StatusError, c.code(resp))
	assert.Equal(t, "bad password", resp.Str(protocol.KeyError))
}

// Scenario C: routing to an unknown destination; traffic stats untouched.
func TestRouteUnknownUser(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")

	c := dialTest(t, srv)
	c.authenticate("alice", "pw1", "")

	m := protocol.New(protocol.ActionMessage)
	m[protocol.KeySender] = "alice"
	m[protocol.KeyDestination] = "bob"
	m[protocol.KeyText] = "anyone there?"
	c.send(m)

	resp := c.recv()
	assert.Equal(t, protocol.StatusError, c.code(resp))
	assert.Equal(t, "user not registered", resp.Str(protocol.KeyError))

	stats, err := database.TrafficReport()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 0, stats[0].Sent)

	// The sender connection stays open.
	users := protocol.New(protocol.ActionGetUsers)
	users[protocol.KeyAccountName] = "alice"
	c.send(users)
	assert.Equal(t, protocol.StatusList, c.code(c.recv()))
}

// Scenario D: the forwarded frame arrives unmodified and both traffic
// counters advance.
func TestRouteDelivery(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")
	register(t, database, "bob", "pw2")

	alice := dialTest(t, srv)
	alice.authenticate("alice", "pw1", "")
	bob := dialTest(t, srv)
	bob.authenticate("bob", "pw2", "")

	m := protocol.New(protocol.ActionMessage)
	m[protocol.KeySender] = "alice"
	m[protocol.KeyDestination] = "bob"
	m[protocol.KeyText] = "opaque payload: \x01\x02 base64-ish =="
	alice.send(m)

	assert.Equal(t, protocol.StatusOK, alice.code(alice.recv()))

	forwarded := bob.recv()
	assert.Equal(t, m, forwarded)

	stats, err := database.TrafficReport()
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.EqualValues(t, 1, stats[0].Sent)     // alice
	assert.EqualValues(t, 1, stats[1].Accepted) // bob
}

// Scenario E: removing a connected account closes its session and pushes
// a 205 to everyone left.
func TestRemoveAccountForcesClose(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")
	register(t, database, "bob", "pw2")

	alice := dialTest(t, srv)
	alice.authenticate("alice", "pw1", "")
	bob := dialTest(t, srv)
	bob.authenticate("bob", "pw2", "")

	require.NoError(t, srv.RemoveAccount("alice"))

	// alice's connection is forcibly closed.
	_, err := alice.tryRecv()
	assert.Error(t, err)

	// bob receives the directory-invalidated notice.
	assert.Equal(t, protocol.StatusInvalidate, bob.code(bob.recv()))

	assert.Equal(t, "connections=1,users=bob", srv.Stats())
	exists, err := database.AccountExists("alice")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRegisterAccountBroadcasts(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")

	alice := dialTest(t, srv)
	alice.authenticate("alice", "pw1", "")

	require.NoError(t, srv.RegisterAccount("carol", "pw3"))
	assert.Equal(t, protocol.StatusInvalidate, alice.code(alice.recv()))

	// Duplicate registration surfaces the directory error.
	assert.ErrorIs(t, srv.RegisterAccount("carol", "pw3"), db.ErrDuplicateAccount)
}

func TestContactsFlow(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")
	register(t, database, "bob", "pw2")

	c := dialTest(t, srv)
	c.authenticate("alice", "pw1", "")

	getContacts := func() protocol.Message {
		m := protocol.New(protocol.ActionGetContacts)
		m[protocol.KeyUser] = "alice"
		c.send(m)
		return c.recv()
	}

	resp := getContacts()
	assert.Equal(t, protocol.StatusList, c.code(resp))
	assert.Empty(t, resp.List())

	add := protocol.New(protocol.ActionAddContact)
	add[protocol.KeyUser] = "alice"
	add[protocol.KeyAccountName] = "bob"
	c.send(add)
	assert.Equal(t, protocol.StatusOK, c.code(c.recv()))

	// Idempotent: a second add still yields one edge.
	c.send(add)
	assert.Equal(t, protocol.StatusOK, c.code(c.recv()))

	resp = getContacts()
	assert.Equal(t, []string{"bob"}, resp.List())

	del := protocol.New(protocol.ActionRemoveContact)
	del[protocol.KeyUser] = "alice"
	del[protocol.KeyAccountName] = "bob"
	c.send(del)
	assert.Equal(t, protocol.StatusOK, c.code(c.recv()))

	resp = getContacts()
	assert.Empty(t, resp.List())
}

func TestGetUsers(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")
	register(t, database, "bob", "pw2")

	c := dialTest(t, srv)
	c.authenticate("alice", "pw1", "")

	m := protocol.New(protocol.ActionGetUsers)
	m[protocol.KeyAccountName] = "alice"
	c.send(m)

	resp := c.recv()
	assert.Equal(t, protocol.StatusList, c.code(resp))
	assert.Equal(t, []string{"alice", "bob"}, resp.List())
}

func TestPubkeyNeed(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")
	register(t, database, "bob", "pw2")

	bob := dialTest(t, srv)
	bob.authenticate("bob", "pw2", "BOB-PUBLIC-KEY")

	alice := dialTest(t, srv)
	alice.authenticate("alice", "pw1", "")

	m := protocol.New(protocol.ActionPubkeyNeed)
	m[protocol.KeyAccountName] = "bob"
	alice.send(m)

	resp := alice.recv()
	assert.Equal(t, protocol.StatusChallenge, alice.code(resp))
	assert.Equal(t, "BOB-PUBLIC-KEY", resp.Str(protocol.KeyData))

	// An account that never logged in has no key to give out.
	m = protocol.New(protocol.ActionPubkeyNeed)
	m[protocol.KeyAccountName] = "nobody"
	alice.send(m)
	assert.Equal(t, protocol.StatusError, alice.code(alice.recv()))
}

func TestUnauthenticatedRequestDropped(t *testing.T) {
	srv, _ := newTestServer(t)

	c := dialTest(t, srv)
	m := protocol.New(protocol.ActionGetUsers)
	m[protocol.KeyAccountName] = "alice"
	c.send(m)

	resp := c.recv()
	assert.Equal(t, protocol.StatusError, c.code(resp))
	assert.Equal(t, "not authenticated", resp.Str(protocol.KeyError))

	_, err := c.tryRecv()
	assert.Error(t, err)
}

func TestMalformedFrameDropsConnection(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")

	c := dialTest(t, srv)
	c.authenticate("alice", "pw1", "")

	// Valid length prefix, garbage payload.
	body := []byte("this is not json")
	frame := append([]byte{0, 0, 0, byte(len(body))}, body...)
	c.nc.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := c.nc.Write(frame)
	require.NoError(t, err)

	_, err = c.tryRecv()
	assert.Error(t, err)
	assert.Equal(t, "connections=0,users=", srv.Stats())
}

func TestExitClosesSession(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")

	c := dialTest(t, srv)
	c.authenticate("alice", "pw1", "")

	m := protocol.New(protocol.ActionExit)
	m[protocol.KeyAccountName] = "alice"
	c.send(m)

	// No reply; the connection just goes away.
	_, err := c.tryRecv()
	assert.Error(t, err)
	assert.Equal(t, "connections=0,users=", srv.Stats())

	rows, err := database.ActiveSessions()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// A frame split across many small writes must still be reassembled.
func TestPartialWriteReassembly(t *testing.T) {
	srv, database := newTestServer(t)
	register(t, database, "alice", "pw1")

	c := dialTest(t, srv)
	c.authenticate("alice", "pw1", "")

	m := protocol.New(protocol.ActionGetUsers)
	m[protocol.KeyAccountName] = "alice"
	frame, err := protocol.Encode(m)
	require.NoError(t, err)

	for _, b := range frame {
		c.nc.SetWriteDeadline(time.Now().Add(time.Second))
		_, err := c.nc.Write([]byte{b})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, protocol.StatusList, c.code(c.recv()))
}
