// Package client implements the transport side of the protocol: it
// connects, authenticates and then shares one socket between a background
// receive loop and synchronous request methods, serialized by a single
// lock so request/response pairs are never interleaved.
package client

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"jim/auth"
	"jim/protocol"
)

var (
	ErrConnectFailed = errors.New("cannot establish a connection with the server")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrClosed        = errors.New("transport is closed")
	ErrServer        = errors.New("server error")
)

const (
	connectAttempts = 5
	connectDelay    = time.Second
	requestTimeout  = 5 * time.Second
	recvTimeout     = 500 * time.Millisecond
	recvTick        = time.Second
)

// Callbacks is the surface the transport exposes to a presentation layer.
// Any field may be nil. OnConnectionLost fires at most once and never
// after a deliberate Close.
type Callbacks struct {
	OnMessage              func(from, text string)
	OnDirectoryInvalidated func()
	OnConnectionLost       func()
}

type Transport struct {
	log      *zap.Logger
	account  string
	verifier string
	cb       Callbacks

	mu sync.Mutex // guards the socket: one protocol exchange at a time
	nc net.Conn
	r  *protocol.Reader

	running  atomic.Bool
	lostOnce sync.Once
	done     chan struct{}
}

// Dial connects, runs the handshake and starts the background receiver.
// pubkey is the opaque public key blob announced in the presence message.
func Dial(addr, account, password, pubkey string, cb Callbacks, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Transport{
		log:      logger,
		account:  account,
		verifier: auth.Verifier(account, password),
		cb:       cb,
		done:     make(chan struct{}),
	}

	var nc net.Conn
	var err error
	for i := 0; i < connectAttempts; i++ {
		nc, err = net.DialTimeout("tcp", addr, requestTimeout)
		if err == nil {
			break
		}
		t.log.Debug("connect attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(connectDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	t.nc = nc
	t.r = protocol.NewReader(nc)

	if err := t.handshake(pubkey); err != nil {
		nc.Close()
		return nil, err
	}

	t.running.Store(true)
	go t.receiveLoop()
	t.log.Info("transport ready", zap.String("account", account))
	return t, nil
}

func (t *Transport) handshake(pubkey string) error {
	presence := protocol.New(protocol.ActionPresence)
	presence[protocol.KeyAccountName] = t.account
	presence[protocol.KeyPubkey] = pubkey

	t.nc.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := protocol.Write(t.nc, presence); err != nil {
		return fmt.Errorf("send presence: %w", err)
	}

	t.nc.SetReadDeadline(time.Now().Add(requestTimeout))
	resp, err := t.r.Next()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	code, ok := resp.ResponseCode()
	switch {
	case !ok:
		return fmt.Errorf("%w: unexpected handshake reply", ErrAuthFailed)
	case code == protocol.StatusError:
		return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Str(protocol.KeyError))
	case code != protocol.StatusChallenge:
		return fmt.Errorf("%w: unexpected handshake code %d", ErrAuthFailed, code)
	}

	nonce, err := base64.StdEncoding.DecodeString(resp.Str(protocol.KeyData))
	if err != nil {
		return fmt.Errorf("%w: malformed challenge", ErrAuthFailed)
	}

	answer := protocol.Response(protocol.StatusChallenge)
	answer[protocol.KeyData] = base64.StdEncoding.EncodeToString(auth.Digest(t.verifier, nonce))
	t.nc.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := protocol.Write(t.nc, answer); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}

	t.nc.SetReadDeadline(time.Now().Add(requestTimeout))
	final, err := t.r.Next()
	if err != nil {
		return fmt.Errorf("read handshake result: %w", err)
	}
	code, ok = final.ResponseCode()
	if !ok || code != protocol.StatusOK {
		return fmt.Errorf("%w: %s", ErrAuthFailed, final.Str(protocol.KeyError))
	}
	return nil
}

// receiveLoop briefly grabs the socket once per tick and pulls inbound
// frames. A deadline miss means the server had nothing for us.
func (t *Transport) receiveLoop() {
	ticker := time.NewTicker(recvTick)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		for {
			t.mu.Lock()
			if !t.running.Load() {
				t.mu.Unlock()
				return
			}
			t.nc.SetReadDeadline(time.Now().Add(recvTimeout))
			msg, err := t.r.Next()
			more := err == nil && t.r.Buffered()
			t.mu.Unlock()

			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					break
				}
				t.fail(err)
				return
			}

			t.deliver(msg)
			if !more {
				break
			}
		}
	}
}

// deliver dispatches a server-pushed frame to the callbacks.
func (t *Transport) deliver(m protocol.Message) {
	if code, ok := m.ResponseCode(); ok && code == protocol.StatusInvalidate {
		t.log.Debug("directory invalidated")
		if t.cb.OnDirectoryInvalidated != nil {
			t.cb.OnDirectoryInvalidated()
		}
		return
	}
	if m.Action() == protocol.ActionMessage && m.Str(protocol.KeyDestination) == t.account {
		t.log.Debug("message received", zap.String("from", m.Str(protocol.KeySender)))
		if t.cb.OnMessage != nil {
			t.cb.OnMessage(m.Str(protocol.KeySender), m.Str(protocol.KeyText))
		}
	}
}

// fail transitions to Closed after an unrecoverable socket error.
func (t *Transport) fail(err error) {
	t.log.Warn("server connection lost", zap.Error(err))
	t.running.Store(false)
	t.nc.Close()
	t.lostOnce.Do(func() {
		if t.cb.OnConnectionLost != nil {
			t.cb.OnConnectionLost()
		}
	})
}

// request writes one frame and synchronously awaits the matching response.
// Server-pushed frames arriving in between are dispatched to the
// callbacks, not lost.
func (t *Transport) request(m protocol.Message) (protocol.Message, error) {
	if !t.running.Load() {
		return nil, ErrClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nc.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := protocol.Write(t.nc, m); err != nil {
		t.fail(err)
		return nil, fmt.Errorf("send request: %w", err)
	}

	deadline := time.Now().Add(requestTimeout)
	for {
		t.nc.SetReadDeadline(deadline)
		resp, err := t.r.Next()
		if err != nil {
			t.fail(err)
			return nil, fmt.Errorf("await response: %w", err)
		}
		if code, ok := resp.ResponseCode(); ok && code != protocol.StatusInvalidate {
			return resp, nil
		}
		t.deliver(resp)
	}
}

// expectOK runs a request and maps a 400 to ErrServer.
func (t *Transport) expectOK(m protocol.Message) error {
	resp, err := t.request(m)
	if err != nil {
		return err
	}
	if code, _ := resp.ResponseCode(); code != protocol.StatusOK {
		return fmt.Errorf("%w: %s", ErrServer, resp.Str(protocol.KeyError))
	}
	return nil
}

// SendMessage relays an opaque payload to another account.
func (t *Transport) SendMessage(to, text string) error {
	m := protocol.New(protocol.ActionMessage)
	m[protocol.KeySender] = t.account
	m[protocol.KeyDestination] = to
	m[protocol.KeyText] = text
	return t.expectOK(m)
}

func (t *Transport) AddContact(name string) error {
	m := protocol.New(protocol.ActionAddContact)
	m[protocol.KeyUser] = t.account
	m[protocol.KeyAccountName] = name
	return t.expectOK(m)
}

func (t *Transport) RemoveContact(name string) error {
	m := protocol.New(protocol.ActionRemoveContact)
	m[protocol.KeyUser] = t.account
	m[protocol.KeyAccountName] = name
	return t.expectOK(m)
}

// Contacts fetches the account's contact list.
func (t *Transport) Contacts() ([]string, error) {
	m := protocol.New(protocol.ActionGetContacts)
	m[protocol.KeyUser] = t.account

	resp, err := t.request(m)
	if err != nil {
		return nil, err
	}
	if code, _ := resp.ResponseCode(); code != protocol.StatusList {
		return nil, fmt.Errorf("%w: %s", ErrServer, resp.Str(protocol.KeyError))
	}
	return resp.List(), nil
}

// KnownUsers fetches every registered account name.
func (t *Transport) KnownUsers() ([]string, error) {
	m := protocol.New(protocol.ActionGetUsers)
	m[protocol.KeyAccountName] = t.account

	resp, err := t.request(m)
	if err != nil {
		return nil, err
	}
	if code, _ := resp.ResponseCode(); code != protocol.StatusList {
		return nil, fmt.Errorf("%w: %s", ErrServer, resp.Str(protocol.KeyError))
	}
	return resp.List(), nil
}

// PublicKey fetches another account's public key blob.
func (t *Transport) PublicKey(name string) (string, error) {
	m := protocol.New(protocol.ActionPubkeyNeed)
	m[protocol.KeyAccountName] = name

	resp, err := t.request(m)
	if err != nil {
		return "", err
	}
	if code, _ := resp.ResponseCode(); code != protocol.StatusChallenge {
		return "", fmt.Errorf("%w: %s", ErrServer, resp.Str(protocol.KeyError))
	}
	return resp.Str(protocol.KeyData), nil
}

// Closed reports whether the transport has terminated.
func (t *Transport) Closed() bool {
	return !t.running.Load()
}

// Close sends a best-effort exit notice and shuts the transport down.
// OnConnectionLost is not invoked for a deliberate close.
func (t *Transport) Close() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	t.lostOnce.Do(func() {}) // suppress the lost callback

	t.mu.Lock()
	exit := protocol.New(protocol.ActionExit)
	exit[protocol.KeyAccountName] = t.account
	t.nc.SetWriteDeadline(time.Now().Add(time.Second))
	protocol.Write(t.nc, exit) // best effort
	err := t.nc.Close()
	t.mu.Unlock()

	close(t.done)
	t.log.Info("transport closed", zap.String("account", t.account))
	return err
}
