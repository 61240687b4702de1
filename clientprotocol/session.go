// Package clientprotocol drives the payer side of the channel handshake and
// lifecycle. It wraps a clientchannel.ClientChannelState with the message
// sequencing: version negotiation, initiate, refund exchange, contract
// provision, open, incremental payment, and close.
//
// A Session never touches a stream or a wire codec directly: each step
// consumes one paychanmsg.Message and returns an Outcome describing what
// to emit, broadcast, or report, leaving all I/O to the embedder.
package clientprotocol

import (
	"time"

	"github.com/bchpaychan/paychannel/clientchannel"
	"github.com/bchpaychan/paychannel/paychanlog"
	"github.com/bchpaychan/paychannel/paychanmsg"
	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchutil"
)

var log = paychanlog.SubLogger(paychanlog.SubsystemClientProto)

// ProtocolMajorVersion is the only major version this implementation
// speaks; an offer of any other major version is rejected with
// NO_ACCEPTABLE_VERSION.
const ProtocolMajorVersion = 1

// DefaultStepTimeout is the wall-clock cap on a single protocol step.
const DefaultStepTimeout = 60 * time.Second

// LocalState is this session's position in the handshake, independent of
// the wrapped ClientChannelState's own lifecycle.
type LocalState uint8

const (
	StateWaitingForServerVersion LocalState = iota
	StateWaitingForInitiate
	StateWaitingForRefundReturn
	StateWaitingForChannelOpen
	StateOpen
	StateClosed
	StateError
)

func (s LocalState) String() string {
	switch s {
	case StateWaitingForServerVersion:
		return "WAITING_FOR_SERVER_VERSION"
	case StateWaitingForInitiate:
		return "WAITING_FOR_INITIATE"
	case StateWaitingForRefundReturn:
		return "WAITING_FOR_REFUND_RETURN"
	case StateWaitingForChannelOpen:
		return "WAITING_FOR_CHANNEL_OPEN"
	case StateOpen:
		return "OPEN"
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

// Outcome is returned from every Session method that processes a message or
// a tick. The embedder is responsible for sending Emit over the wire,
// invoking the broadcaster for Broadcast, and reacting to Opened/Closed.
type Outcome struct {
	Emit      []paychanmsg.Message
	Broadcast [][]byte
	Opened    bool
	Closed    bool
	Reason    CloseReason
}

// Session drives one client-side channel through its protocol lifecycle.
// Not safe for concurrent use.
type Session struct {
	channel *clientchannel.ClientChannelState
	state   LocalState

	resuming        bool
	previousHash    *chainhash.Hash
	stepDeadline    time.Time
	stepTimeout     time.Duration
	now             func() time.Time
}

// New begins a fresh (or resuming) session against a server. If
// previousContractHash is non-nil, the session offers it for resume; the
// server may attach to the existing channel and skip straight to
// CHANNEL_OPEN.
func New(channel *clientchannel.ClientChannelState, previousContractHash *chainhash.Hash, now func() time.Time) (*Session, Outcome) {
	if now == nil {
		now = time.Now
	}
	s := &Session{
		channel:      channel,
		state:        StateWaitingForServerVersion,
		previousHash: previousContractHash,
		stepTimeout:  DefaultStepTimeout,
		now:          now,
	}
	s.resetDeadline()
	return s, Outcome{
		Emit: []paychanmsg.Message{paychanmsg.ClientVersion{
			Major:                ProtocolMajorVersion,
			Minor:                0,
			PreviousContractHash: previousContractHash,
		}},
	}
}

func (s *Session) resetDeadline() {
	s.stepDeadline = s.now().Add(s.stepTimeout)
}

// CheckTimeout reports whether the current step has exceeded its deadline;
// if so it transitions to ERROR and returns the corresponding Outcome.
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

// Receive processes one inbound message from the server and returns the
// resulting Outcome. Any message arriving out of sequence yields
// ERROR{SYNTAX_ERROR} and a transition to ERROR.
func (s *Session) Receive(msg paychanmsg.Message) Outcome {
	if s.state == StateError || s.state == StateClosed {
		return Outcome{}
	}
	if err, ok := msg.(paychanmsg.Error); ok {
		s.state = StateError
		log.Warnf("server sent error %s, tearing down session", err.Code)
		return Outcome{Closed: true, Reason: ReasonRemoteSentError}
	}

	var out Outcome
	switch s.state {
	case StateWaitingForServerVersion:
		out = s.handleServerVersion(msg)
	case StateWaitingForInitiate:
		out = s.handleInitiate(msg)
	case StateWaitingForRefundReturn:
		out = s.handleReturnRefund(msg)
	case StateWaitingForChannelOpen:
		out = s.handleChannelOpen(msg)
	default:
		return s.fail(paychanmsg.SyntaxError)
	}
	if s.state != StateError && s.state != StateClosed && s.state != StateOpen {
		s.resetDeadline()
	}
	return out
}

func (s *Session) handleServerVersion(msg paychanmsg.Message) Outcome {
	sv, ok := msg.(paychanmsg.ServerVersion)
	if !ok {
		return s.fail(paychanmsg.SyntaxError)
	}
	if sv.Major != ProtocolMajorVersion {
		return s.fail(paychanmsg.NoAcceptableVersion)
	}
	if s.previousHash != nil {
		s.resuming = true
		s.state = StateWaitingForChannelOpen
		return Outcome{}
	}
	s.state = StateWaitingForInitiate
	return Outcome{}
}

func (s *Session) handleInitiate(msg paychanmsg.Message) Outcome {
	init, ok := msg.(paychanmsg.Initiate)
	if !ok {
		return s.fail(paychanmsg.SyntaxError)
	}
	serverPub, err := bchec.ParsePubKey(init.MultisigKey[:], bchec.S256())
	if err != nil {
		return s.fail(paychanmsg.SyntaxError)
	}
	expire := time.Unix(int64(init.ExpireTimeSecs), 0)

	if err := s.channel.ProvideInitiate(serverPub, bchutil.Amount(init.MinAcceptedChannelSize), expire); err != nil {
		switch err {
		case clientchannel.ErrValueTooLarge:
			return s.fail(paychanmsg.ServerRequestedTooMuchValue)
		case clientchannel.ErrTimeWindowTooLarge:
			return s.fail(paychanmsg.TimeWindowTooLarge)
		default:
			return s.fail(paychanmsg.Other)
		}
	}

	refundBytes, err := s.channel.GetRefundForSigning()
	if err != nil {
		return s.fail(paychanmsg.Other)
	}
	var key [33]byte
	copy(key[:], serverPub.SerializeCompressed())

	s.state = StateWaitingForRefundReturn
	return Outcome{Emit: []paychanmsg.Message{paychanmsg.ProvideRefund{MultisigKey: key, Tx: refundBytes}}}
}

func (s *Session) handleReturnRefund(msg paychanmsg.Message) Outcome {
	rr, ok := msg.(paychanmsg.ReturnRefund)
	if !ok {
		return s.fail(paychanmsg.SyntaxError)
	}
	if err := s.channel.ProvideRefundSignature(rr.Signature); err != nil {
		return s.fail(paychanmsg.BadTransaction)
	}

	contractBytes, err := s.channel.GetContract()
	if err != nil {
		return s.fail(paychanmsg.Other)
	}
	s.state = StateWaitingForChannelOpen
	return Outcome{
		Emit:      []paychanmsg.Message{paychanmsg.ProvideContract{Tx: contractBytes}},
		Broadcast: [][]byte{contractBytes},
	}
}

func (s *Session) handleChannelOpen(msg paychanmsg.Message) Outcome {
	if _, ok := msg.(paychanmsg.ChannelOpen); ok {
		if !s.resuming {
			if err := s.channel.MarkOpen(); err != nil {
				return s.fail(paychanmsg.Other)
			}
		}
		s.state = StateOpen
		return Outcome{Opened: true}
	}
	// A resuming client must also accept INITIATE here: the server falls
	// through to a fresh channel whenever the offered prior hash was
	// unknown, malformed, or already active (serverprotocol.handleClientVersion),
	// and this is the only state a resuming client is waiting in.
	if s.resuming {
		s.resuming = false
		s.state = StateWaitingForInitiate
		return s.handleInitiate(msg)
	}
	return s.fail(paychanmsg.SyntaxError)
}

// IncrementPayment raises the payer's commitment by delta and returns the
// UPDATE_PAYMENT message to send. Only valid while the session is OPEN.
func (s *Session) IncrementPayment(delta bchutil.Amount) (Outcome, error) {
	if s.state != StateOpen {
		return Outcome{}, clientchannel.ErrChannelNotOpen
	}
	clientChange, sig, err := s.channel.IncrementPayment(delta)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Emit: []paychanmsg.Message{paychanmsg.UpdatePayment{
		ClientChangeValue: int64(clientChange),
		Signature:         sig,
	}}}, nil
}

// Close requests the server close the channel, finalizing the latest
// settlement locally. Safe to call repeatedly.
func (s *Session) Close() Outcome {
	if s.state == StateClosed {
		return Outcome{}
	}
	_, _ = s.channel.Close()
	s.state = StateClosed
	return Outcome{
		Emit:   []paychanmsg.Message{paychanmsg.Close{}},
		Closed: true,
		Reason: ReasonClientRequestedClose,
	}
}

// State returns the session's current local handshake state.
func (s *Session) State() LocalState { return s.state }

// Channel returns the wrapped client channel state, for inspection or
// persistence by the embedder.
func (s *Session) Channel() *clientchannel.ClientChannelState { return s.channel }
