// Package serverprotocol drives the payee side of the channel handshake
// and lifecycle, mirroring clientprotocol. It wraps a
// serverchannel.ServerChannelState with the message sequencing: version
// negotiation, the resume shortcut, refund signing, contract acceptance,
// open, incremental payment, and close.
package serverprotocol

import (
	"time"

	"github.com/bchpaychan/paychannel/paychanlog"
	"github.com/bchpaychan/paychannel/paychanmsg"
	"github.com/bchpaychan/paychannel/serverchannel"
	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchutil"
)

var log = paychanlog.SubLogger(paychanlog.SubsystemServerProto)

// ProtocolMajorVersion is the only major version this implementation
// speaks.
const ProtocolMajorVersion = 1

// DefaultStepTimeout is the wall-clock cap on a single protocol step.
const DefaultStepTimeout = 60 * time.Second

// LocalState is this session's position in the handshake, independent of
// the wrapped ServerChannelState's own lifecycle.
type LocalState uint8

const (
	StateWaitingForClientVersion LocalState = iota
	StateWaitingForRefund
	StateWaitingForContract
	StateReady
	StateOpen
	StateClosing
	StateClosed
	StateError
)

func (s LocalState) String() string {
	switch s {
	case StateWaitingForClientVersion:
		return "WAITING_FOR_CLIENT_VERSION"
	case StateWaitingForRefund:
		return "WAITING_FOR_REFUND"
	case StateWaitingForContract:
		return "WAITING_FOR_CONTRACT"
	case StateReady:
		return "READY"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "ERROR"
	}
}

// CloseReason explains why a session reached StateClosed or StateError.
type CloseReason uint8

const (
	ReasonNone CloseReason = iota
	ReasonClientRequestedClose
	ReasonRemoteSentError
	ReasonTimeout
)

// Outcome is returned from every Session method that processes a message.
// The embedder sends Emit over the wire, invokes the broadcaster for
// Broadcast, and persists via the Store* fields.
type Outcome struct {
	Emit      []paychanmsg.Message
	Broadcast [][]byte
	Opened    bool
	Closed    bool
	Reason    CloseReason

	// StorePut is set when a new or updated channel record should be
	// written to the server store under ChannelHash.
	StorePut     bool
	ChannelHash  chainhash.Hash
}

// Lookup resolves a previously-seen contract hash to its channel state and
// whether it is currently active (held by another live session). The
// embedder backs this with its ServerStore.
type Lookup func(hash chainhash.Hash) (channel *serverchannel.ServerChannelState, active bool, found bool)

// Factory creates a brand new server-side channel for a fresh INITIATE,
// returning the channel, the multisig key to offer, the minimum accepted
// value, and the proposed expiry.
type Factory func() (channel *serverchannel.ServerChannelState, multisigKey *bchec.PublicKey, minAcceptedValue int64, expiry time.Time)

// Session drives one server-side channel through its protocol lifecycle.
// Not safe for concurrent use.
type Session struct {
	lookup  Lookup
	factory Factory

	channel *serverchannel.ServerChannelState
	state   LocalState

	stepDeadline time.Time
	stepTimeout  time.Duration
	now          func() time.Time
}

// New begins a server session. lookup and factory are invoked only once
// CLIENT_VERSION arrives.
func New(lookup Lookup, factory Factory, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	s := &Session{lookup: lookup, factory: factory, state: StateWaitingForClientVersion, stepTimeout: DefaultStepTimeout, now: now}
	s.resetDeadline()
	return s
}

func (s *Session) resetDeadline() {
	s.stepDeadline = s.now().Add(s.stepTimeout)
}

// CheckTimeout reports whether the current step has exceeded its deadline.
func (s *Session) CheckTimeout() (Outcome, bool) {
	if s.state == StateOpen || s.state == StateClosed || s.state == StateError {
		return Outcome{}, false
	}
	if s.now().Before(s.stepDeadline) {
		return Outcome{}, false
	}
	s.state = StateError
	return Outcome{
		Emit:   []paychanmsg.Message{paychanmsg.Error{Code: paychanmsg.Timeout}},
		Closed: true,
		Reason: ReasonTimeout,
	}, true
}

func (s *Session) fail(code paychanmsg.ErrorCode) Outcome {
	s.state = StateError
	log.Errorf("session entering error state: %s", code)
	return Outcome{
		Emit:   []paychanmsg.Message{paychanmsg.Error{Code: code}},
		Closed: true,
		Reason: ReasonRemoteSentError,
	}
}

// Receive processes one inbound message from the client.
func (s *Session) Receive(msg paychanmsg.Message) Outcome {
	if s.state == StateError || s.state == StateClosed {
		return Outcome{}
	}
	if e, ok := msg.(paychanmsg.Error); ok {
		s.state = StateError
		log.Warnf("client sent error %s, tearing down session", e.Code)
		return Outcome{Closed: true, Reason: ReasonRemoteSentError}
	}
	if _, ok := msg.(paychanmsg.Close); ok {
		return s.handleClose()
	}
	if up, ok := msg.(paychanmsg.UpdatePayment); ok {
		return s.ReceiveUpdatePayment(up)
	}

	var out Outcome
	switch s.state {
	case StateWaitingForClientVersion:
		out = s.handleClientVersion(msg)
	case StateWaitingForRefund:
		out = s.handleProvideRefund(msg)
	case StateWaitingForContract:
		out = s.handleProvideContract(msg)
	default:
		return s.fail(paychanmsg.SyntaxError)
	}
	if s.state != StateError && s.state != StateClosed && s.state != StateOpen {
		s.resetDeadline()
	}
	return out
}

func (s *Session) handleClientVersion(msg paychanmsg.Message) Outcome {
	cv, ok := msg.(paychanmsg.ClientVersion)
	if !ok {
		return s.fail(paychanmsg.SyntaxError)
	}
	if cv.Major != ProtocolMajorVersion {
		return s.fail(paychanmsg.NoAcceptableVersion)
	}

	serverVersion := paychanmsg.ServerVersion{Major: ProtocolMajorVersion, Minor: 0}

	// Resume path: a malformed, unknown, or currently-active prior hash
	// falls through to a fresh channel rather than failing the session —
	// this keeps a stale client able to make forward progress.
	if cv.PreviousContractHash != nil {
		if channel, active, found := s.lookup(*cv.PreviousContractHash); found && !active {
			s.channel = channel
			s.state = StateOpen
			return Outcome{Emit: []paychanmsg.Message{serverVersion, paychanmsg.ChannelOpen{}}, Opened: true}
		}
	}

	channel, multisigKey, minAccepted, expiry := s.factory()
	s.channel = channel
	s.state = StateWaitingForRefund

	var key [33]byte
	copy(key[:], multisigKey.SerializeCompressed())
	return Outcome{Emit: []paychanmsg.Message{serverVersion, paychanmsg.Initiate{
		MultisigKey:            key,
		MinAcceptedChannelSize: minAccepted,
		ExpireTimeSecs:         uint64(expiry.Unix()),
	}}}
}

func (s *Session) handleProvideRefund(msg paychanmsg.Message) Outcome {
	pr, ok := msg.(paychanmsg.ProvideRefund)
	if !ok {
		return s.fail(paychanmsg.SyntaxError)
	}
	if len(pr.Tx) == 0 || allZero(pr.MultisigKey[:]) {
		return s.fail(paychanmsg.BadTransaction)
	}
	payerPub, err := bchec.ParsePubKey(pr.MultisigKey[:], bchec.S256())
	if err != nil {
		return s.fail(paychanmsg.BadTransaction)
	}
	sig, err := s.channel.ProvideRefund(pr.Tx, payerPub)
	if err != nil {
		return s.fail(paychanmsg.BadTransaction)
	}
	s.state = StateWaitingForContract
	return Outcome{Emit: []paychanmsg.Message{paychanmsg.ReturnRefund{Signature: sig}}}
}

func (s *Session) handleProvideContract(msg paychanmsg.Message) Outcome {
	pc, ok := msg.(paychanmsg.ProvideContract)
	if !ok {
		return s.fail(paychanmsg.SyntaxError)
	}
	if err := s.channel.ProvideContract(pc.Tx); err != nil {
		return s.fail(paychanmsg.BadTransaction)
	}
	s.state = StateReady
	if err := s.channel.MarkOpen(); err != nil {
		return s.fail(paychanmsg.Other)
	}
	s.state = StateOpen
	return Outcome{
		Emit:        []paychanmsg.Message{paychanmsg.ChannelOpen{}},
		Opened:      true,
		StorePut:    true,
		ChannelHash: s.channel.ContractHash(),
	}
}

// ReceiveUpdatePayment processes an UPDATE_PAYMENT message while OPEN. A
// proper Outcome carries StorePut so the embedder commits the new best
// settlement before any acknowledgement is implied to the client.
func (s *Session) ReceiveUpdatePayment(msg paychanmsg.UpdatePayment) Outcome {
	if s.state != StateOpen {
		return s.fail(paychanmsg.SyntaxError)
	}
	newVs := s.channel.Value() - bchutil.Amount(msg.ClientChangeValue)
	if _, err := s.channel.IncrementPayment(newVs, msg.Signature); err != nil {
		return s.fail(paychanmsg.BadTransaction)
	}
	return Outcome{StorePut: true, ChannelHash: s.channel.ContractHash()}
}

func (s *Session) handleClose() Outcome {
	if s.state != StateOpen {
		return s.fail(paychanmsg.SyntaxError)
	}
	s.state = StateClosing
	if err := s.channel.Close(); err != nil {
		return s.fail(paychanmsg.BadTransaction)
	}
	s.state = StateClosed
	return Outcome{
		Emit:   []paychanmsg.Message{paychanmsg.Close{}},
		Closed: true,
		Reason: ReasonClientRequestedClose,
	}
}

// State returns the session's current local handshake state.
func (s *Session) State() LocalState { return s.state }

// Channel returns the wrapped server channel state, for inspection or
// persistence by the embedder.
func (s *Session) Channel() *serverchannel.ServerChannelState { return s.channel }

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
