package server

import (
	"encoding/base64"

	"go.uber.org/zap"

	"jim/auth"
	"jim/protocol"
)

// User-visible error texts.
const (
	errNameBusy     = "name busy"
	errUnregistered = "user not registered"
	errBadPassword  = "bad password"
	errBadRequest   = "Bad Request"
	errNotAuthed    = "not authenticated"
	errNoPubkey     = "no public key for this user"
	errInternal     = "internal server error"
)

// dispatch routes one decoded frame according to the connection's
// handshake stage.
func (s *Server) dispatch(c *conn, msg protocol.Message) {
	if c.stage == stageChallenged {
		s.finishHandshake(c, msg)
		return
	}

	action := msg.Action()
	switch {
	case action == protocol.ActionPresence:
		s.handlePresence(c, msg)
	case action == protocol.ActionExit:
		// No response; the client is gone.
		s.unbind(c)
	case c.stage != stageAuthenticated:
		s.send(c, protocol.ErrorResponse(errNotAuthed))
		s.unbind(c)
	case action == protocol.ActionMessage:
		s.handleMessage(c, msg)
	case action == protocol.ActionGetContacts:
		s.handleGetContacts(c, msg)
	case action == protocol.ActionAddContact:
		s.handleAddContact(c, msg)
	case action == protocol.ActionRemoveContact:
		s.handleRemoveContact(c, msg)
	case action == protocol.ActionGetUsers:
		s.handleGetUsers(c, msg)
	case action == protocol.ActionPubkeyNeed:
		s.handlePubkeyNeed(c, msg)
	default:
		s.reply(c, protocol.ErrorResponse(errBadRequest))
	}
}

// rejectAuth answers a failed handshake and closes the connection.
func (s *Server) rejectAuth(c *conn, text string) {
	s.send(c, protocol.ErrorResponse(text))
	s.unbind(c)
}

// handlePresence starts the handshake: validates the account, generates
// the challenge nonce and precomputes the expected digest.
func (s *Server) handlePresence(c *conn, msg protocol.Message) {
	name := msg.Str(protocol.KeyAccountName)
	if name == "" || c.stage != stageConnected {
		s.rejectAuth(c, errBadRequest)
		return
	}

	s.log.Debug("presence received", zap.String("account", name))

	// A live session already holds this name; the existing one wins.
	if _, busy := s.sessions[name]; busy {
		s.rejectAuth(c, errNameBusy)
		return
	}

	exists, err := s.db.AccountExists(name)
	if err != nil {
		s.log.Error("account lookup failed", zap.String("account", name), zap.Error(err))
		s.rejectAuth(c, errInternal)
		return
	}
	if !exists {
		s.rejectAuth(c, errUnregistered)
		return
	}

	verifier, err := s.db.Verifier(name)
	if err != nil {
		s.log.Error("verifier lookup failed", zap.String("account", name), zap.Error(err))
		s.rejectAuth(c, errInternal)
		return
	}
	nonce, err := auth.Nonce()
	if err != nil {
		s.log.Error("nonce generation failed", zap.Error(err))
		s.rejectAuth(c, errInternal)
		return
	}

	c.account = name
	c.pubkey = msg.Str(protocol.KeyPubkey)
	c.expected = auth.Digest(verifier, nonce)
	c.stage = stageChallenged

	challenge := protocol.Response(protocol.StatusChallenge)
	challenge[protocol.KeyData] = base64.StdEncoding.EncodeToString(nonce)
	s.reply(c, challenge)
}

// finishHandshake compares the client digest against the expected one in
// constant time. Match binds the session; anything else rejects and
// closes.
func (s *Server) finishHandshake(c *conn, msg protocol.Message) {
	code, ok := msg.ResponseCode()
	digest, derr := base64.StdEncoding.DecodeString(msg.Str(protocol.KeyData))
	if !ok || code != protocol.StatusChallenge || derr != nil {
		s.rejectAuth(c, errBadRequest)
		return
	}

	// The name may have been bound while this client was computing.
	if _, busy := s.sessions[c.account]; busy {
		s.rejectAuth(c, errNameBusy)
		return
	}

	if !auth.Equal(digest, c.expected) {
		s.log.Info("authentication failed", zap.String("account", c.account))
		s.rejectAuth(c, errBadPassword)
		return
	}

	c.stage = stageAuthenticated
	c.expected = nil
	s.sessions[c.account] = c

	ip, port := peerAddr(c.nc)
	if err := s.db.RecordLogin(c.account, ip, port, c.pubkey); err != nil {
		s.log.Warn("record login failed", zap.String("account", c.account), zap.Error(err))
	}

	s.log.Info("client authenticated",
		zap.String("account", c.account),
		zap.String("remote", c.nc.RemoteAddr().String()))
	s.reply(c, protocol.Response(protocol.StatusOK))
}

// handleMessage forwards an opaque payload to the destination session.
// The frame is re-encoded verbatim; payload bytes are never inspected.
func (s *Server) handleMessage(c *conn, msg protocol.Message) {
	from := msg.Str(protocol.KeySender)
	to := msg.Str(protocol.KeyDestination)
	if from != c.account || to == "" {
		s.reply(c, protocol.ErrorResponse(errBadRequest))
		return
	}
	if _, ok := msg[protocol.KeyText]; !ok {
		s.reply(c, protocol.ErrorResponse(errBadRequest))
		return
	}

	dest, online := s.sessions[to]
	if !online {
		s.reply(c, protocol.ErrorResponse(errUnregistered))
		return
	}

	if err := s.send(dest, msg); err != nil {
		// The destination socket is dead; its session is stale.
		s.drop(dest, err)
		s.reply(c, protocol.ErrorResponse(errUnregistered))
		return
	}

	if err := s.db.BumpTraffic(from, to); err != nil {
		s.log.Warn("traffic update failed", zap.Error(err))
	}
	s.log.Debug("message routed", zap.String("from", from), zap.String("to", to))
	s.reply(c, protocol.Response(protocol.StatusOK))
}

func (s *Server) handleGetContacts(c *conn, msg protocol.Message) {
	if msg.Str(protocol.KeyUser) != c.account {
		s.reply(c, protocol.ErrorResponse(errBadRequest))
		return
	}

	contacts, err := s.db.Contacts(c.account)
	if err != nil {
		s.log.Error("contacts lookup failed", zap.String("account", c.account), zap.Error(err))
		s.reply(c, protocol.ErrorResponse(errInternal))
		return
	}
	if contacts == nil {
		contacts = []string{}
	}

	resp := protocol.Response(protocol.StatusList)
	resp[protocol.KeyList] = contacts
	s.reply(c, resp)
}

func (s *Server) handleAddContact(c *conn, msg protocol.Message) {
	if msg.Str(protocol.KeyUser) != c.account {
		s.reply(c, protocol.ErrorResponse(errBadRequest))
		return
	}

	if err := s.db.AddContact(c.account, msg.Str(protocol.KeyAccountName)); err != nil {
		s.log.Error("add contact failed", zap.String("account", c.account), zap.Error(err))
		s.reply(c, protocol.ErrorResponse(errInternal))
		return
	}
	s.reply(c, protocol.Response(protocol.StatusOK))
}

func (s *Server) handleRemoveContact(c *conn, msg protocol.Message) {
	if msg.Str(protocol.KeyUser) != c.account {
		s.reply(c, protocol.ErrorResponse(errBadRequest))
		return
	}

	if err := s.db.RemoveContact(c.account, msg.Str(protocol.KeyAccountName)); err != nil {
		s.log.Error("remove contact failed", zap.String("account", c.account), zap.Error(err))
		s.reply(c, protocol.ErrorResponse(errInternal))
		return
	}
	s.reply(c, protocol.Response(protocol.StatusOK))
}

func (s *Server) handleGetUsers(c *conn, msg protocol.Message) {
	if msg.Str(protocol.KeyAccountName) != c.account {
		s.reply(c, protocol.ErrorResponse(errBadRequest))
		return
	}

	users, err := s.db.Accounts()
	if err != nil {
		s.log.Error("accounts lookup failed", zap.Error(err))
		s.reply(c, protocol.ErrorResponse(errInternal))
		return
	}

	resp := protocol.Response(protocol.StatusList)
	resp[protocol.KeyList] = users
	s.reply(c, resp)
}

func (s *Server) handlePubkeyNeed(c *conn, msg protocol.Message) {
	target := msg.Str(protocol.KeyAccountName)

	pubkey, err := s.db.PublicKey(target)
	if err != nil || pubkey == "" {
		s.reply(c, protocol.ErrorResponse(errNoPubkey))
		return
	}

	resp := protocol.Response(protocol.StatusChallenge)
	resp[protocol.KeyData] = pubkey
	s.reply(c, resp)
}
