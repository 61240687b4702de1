// Package clientchannel implements the payer's view of a single payment
// channel: building the contract and refund, accepting the server's refund
// signature, and issuing progressively larger settlement signatures as
// payments are made.
//
// Generalized from gcash-bchwallet's paymentchannels.Channel /
// PaymentChannelNode.OpenChannel+SendPayment, with the revocation/breach
// machinery removed: this channel only ever falls back to an absolute
// timelock refund.
package clientchannel

import (
	"bytes"
	"time"

	"github.com/bchpaychan/paychannel/chanscript"
	"github.com/bchpaychan/paychannel/paychaniface"
	"github.com/bchpaychan/paychannel/paychanlog"
	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/go-errors/errors"
)

var log = paychanlog.SubLogger(paychanlog.SubsystemClientChannel)

// State is the internal lifecycle of a ClientChannelState.
type State uint8

const (
	StateNew State = iota
	StateWaitingForRefundSig
	StateReady
	StateOpen
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateWaitingForRefundSig:
		return "WAITING_FOR_REFUND_SIG"
	case StateReady:
		return "READY"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "ERROR"
	}
}

// Sentinel errors returned by ClientChannelState methods. These are local
// failures, not protocol messages — the embedding protocol state machine
// maps them onto paychanmsg error codes.
var (
	ErrValueTooLarge     = errors.New("requested value exceeds channel capacity")
	ErrTimeWindowTooLarge = errors.New("offered expiry exceeds acceptable window")
	ErrBadTransaction    = errors.New("counterparty transaction or signature is invalid")
	ErrChannelNotOpen    = errors.New("channel is not open")
	ErrWrongState        = errors.New("operation not valid in current state")
)

// Config bundles the fixed construction-time parameters for a client
// channel.
type Config struct {
	Params      *chaincfg.Params
	Wallet      paychaniface.Wallet
	Broadcaster paychaniface.Broadcaster
	Clock       paychaniface.Clock

	// ServerID is an opaque identifier for the remote server, used by
	// ClientStore to key concurrent channels to different servers.
	ServerID chainhash.Hash

	// Value is the total channel capacity V the payer is funding.
	Value bchutil.Amount

	// MaxTimeWindow bounds how far in the future the server may set
	// expiry; offers beyond now+MaxTimeWindow are rejected.
	MaxTimeWindow time.Duration

	FeePerByte bchutil.Amount
	DustLimit  bchutil.Amount
}

// ClientChannelState is the payer's view of one channel. It is not safe for
// concurrent use; the embedder (clientprotocol, or a chanstore.Kmutex)
// must serialize access.
type ClientChannelState struct {
	cfg Config

	state State
	err   error

	payerPriv *bchec.PrivateKey
	serverPub *bchec.PublicKey

	payerPayoutScript []byte

	contract   *chanscript.Contract
	contractTx *wire.MsgTx

	expiry time.Time

	refundTx      *wire.MsgTx
	refundPayerSig []byte
	refundFinal   *wire.MsgTx

	paidAmount        bchutil.Amount
	latestSettlement  *wire.MsgTx
	latestPayerSig    []byte
}

// New constructs a fresh ClientChannelState in the NEW state.
func New(cfg Config) *ClientChannelState {
	return &ClientChannelState{cfg: cfg, state: StateNew}
}

// State returns the channel's current lifecycle state.
func (c *ClientChannelState) State() State { return c.state }

// Err returns the error that placed the channel into StateError, if any.
func (c *ClientChannelState) Err() error { return c.err }

// ContractHash returns the funding transaction's hash, valid once the
// contract has been built (state >= StateWaitingForRefundSig).
func (c *ClientChannelState) ContractHash() chainhash.Hash {
	if c.contract == nil {
		return chainhash.Hash{}
	}
	return c.contract.TxID
}

// PaidAmount returns V_s, the amount currently committed to the payee.
func (c *ClientChannelState) PaidAmount() bchutil.Amount { return c.paidAmount }

// Value returns V, the total channel capacity.
func (c *ClientChannelState) Value() bchutil.Amount { return c.cfg.Value }

// ServerID returns the opaque identifier of the server this channel is
// open with, as configured at construction.
func (c *ClientChannelState) ServerID() chainhash.Hash { return c.cfg.ServerID }

// Expiry returns this channel's T_exp, valid once the contract has been
// built (state >= StateWaitingForRefundSig).
func (c *ClientChannelState) Expiry() time.Time { return c.expiry }

// ContractBytes returns the serialized funding transaction, valid once the
// contract has been built. Unlike GetContract, this never re-invokes the
// broadcaster; it exists for the store to snapshot the raw bytes it needs
// to retry a broadcast from the expiry timer.
func (c *ClientChannelState) ContractBytes() ([]byte, error) {
	if c.contractTx == nil {
		return nil, ErrWrongState
	}
	return serializeTx(c.contractTx)
}

// FinalRefund returns the fully-signed refund transaction, valid once
// ProvideRefundSignature has succeeded (state >= StateReady). The client
// store persists this so the expiry timer can broadcast it as a last
// resort even if the session that created it never reaches CLOSED.
func (c *ClientChannelState) FinalRefund() ([]byte, error) {
	if c.refundFinal == nil {
		return nil, ErrWrongState
	}
	return serializeTx(c.refundFinal)
}

func (c *ClientChannelState) fail(err error) error {
	c.state = StateError
	c.err = err
	log.Errorf("channel entering error state: %s", err)
	return err
}

// ProvideInitiate validates the server's proposed parameters, then builds
// the funding contract and the unsigned refund transaction.
func (c *ClientChannelState) ProvideInitiate(serverPub *bchec.PublicKey, minAcceptedValue bchutil.Amount, expireTime time.Time) error {
	if c.state != StateNew {
		return ErrWrongState
	}
	if minAcceptedValue > c.cfg.Value {
		return c.fail(ErrValueTooLarge)
	}
	if expireTime.After(c.cfg.Clock.Now().Add(c.cfg.MaxTimeWindow)) {
		return c.fail(ErrTimeWindowTooLarge)
	}

	payerPriv, err := c.cfg.Wallet.NewChannelKey()
	if err != nil {
		return err
	}
	payoutScript, err := c.cfg.Wallet.NewPayoutScript()
	if err != nil {
		return err
	}

	inputs, inputValues, changeScript, changeValue, err := c.cfg.Wallet.SelectFundingInputs(c.cfg.Value)
	if err != nil {
		return err
	}

	contractTx, contract, err := chanscript.BuildContract(
		c.cfg.Params, payerPriv.PubKey(), serverPub,
		inputs, inputValues, c.cfg.Value, changeScript, changeValue,
		func(tx *wire.MsgTx, idx int, amount bchutil.Amount) ([]byte, error) {
			return c.cfg.Wallet.SignInput(tx, idx, amount)
		},
	)
	if err != nil {
		return err
	}

	refundLockTime := uint32(expireTime.Unix())
	refundTx, payerSig, err := chanscript.BuildRefund(contract, payerPriv, payoutScript, refundLockTime, c.cfg.FeePerByte)
	if err != nil {
		return err
	}

	c.payerPriv = payerPriv
	c.serverPub = serverPub
	c.payerPayoutScript = payoutScript
	c.contract = contract
	c.contractTx = contractTx
	c.expiry = expireTime
	c.refundTx = refundTx
	c.refundPayerSig = payerSig
	c.state = StateWaitingForRefundSig
	return nil
}

// GetRefundForSigning returns the serialized, unsigned refund transaction to
// send to the server for signing.
func (c *ClientChannelState) GetRefundForSigning() ([]byte, error) {
	if c.state != StateWaitingForRefundSig {
		return nil, ErrWrongState
	}
	return serializeTx(c.refundTx)
}

// ProvideRefundSignature verifies the server's signature over the refund
// transaction, completes it, and advances to READY. Until this succeeds the
// funding contract must never be released: a signed refund is the only way
// to recover the payer's funds if the server disappears.
func (c *ClientChannelState) ProvideRefundSignature(sig []byte) error {
	if c.state != StateWaitingForRefundSig {
		return ErrWrongState
	}
	final, err := chanscript.VerifyAndComplete(c.refundTx, c.contract, c.refundPayerSig, sig, true)
	if err != nil {
		return c.fail(ErrBadTransaction)
	}
	c.refundFinal = final
	c.state = StateReady
	return nil
}

// GetContract returns the serialized funding transaction for broadcast and
// schedules it with the configured Broadcaster. It does not change state;
// the protocol state machine transitions the channel to OPEN once the
// server acknowledges with CHANNEL_OPEN.
func (c *ClientChannelState) GetContract() ([]byte, error) {
	if c.state != StateReady {
		return nil, ErrWrongState
	}
	if err := c.cfg.Broadcaster.Broadcast(c.contractTx); err != nil {
		return nil, err
	}
	return serializeTx(c.contractTx)
}

// MarkOpen transitions the channel to OPEN once the server has acknowledged
// CHANNEL_OPEN.
func (c *ClientChannelState) MarkOpen() error {
	if c.state != StateReady {
		return ErrWrongState
	}
	c.state = StateOpen
	return nil
}

// IncrementPayment raises the amount owed to the payee by delta, returning
// the payer's remaining balance (clientChangeValue) and signature to send
// in an UPDATE_PAYMENT message. Fails ErrChannelNotOpen outside OPEN and
// ErrValueTooLarge if the new total would exceed V - fee - dust.
func (c *ClientChannelState) IncrementPayment(delta bchutil.Amount) (bchutil.Amount, []byte, error) {
	if c.state != StateOpen {
		return 0, nil, ErrChannelNotOpen
	}
	if delta <= 0 {
		return 0, nil, errors.New("delta must be positive")
	}
	newVs := c.paidAmount + delta

	payeeScript, err := chanscript.PubKeyToPayoutScript(c.serverPub, c.cfg.Params)
	if err != nil {
		return 0, nil, err
	}
	fee := chanscript.EstimateSettlementFee(payeeScript, c.payerPayoutScript, c.cfg.FeePerByte)
	maxVs := c.cfg.Value - fee - c.cfg.DustLimit
	if newVs > maxVs {
		return 0, nil, ErrValueTooLarge
	}

	tx, sig, err := chanscript.BuildSettlement(c.contract, c.payerPriv, payeeScript, c.payerPayoutScript, newVs, c.cfg.FeePerByte, c.cfg.DustLimit)
	if err != nil {
		return 0, nil, err
	}

	c.paidAmount = newVs
	c.latestSettlement = tx
	c.latestPayerSig = sig

	clientChangeValue := c.cfg.Value - newVs
	return clientChangeValue, sig, nil
}

// Close returns the bytes of the latest signed settlement (the channel's
// final state) and transitions to CLOSED. Safe to call repeatedly; the
// second and later calls are no-ops returning the same bytes.
func (c *ClientChannelState) Close() ([]byte, error) {
	if c.state == StateClosed {
		if c.latestSettlement == nil {
			return nil, nil
		}
		return serializeTx(c.latestSettlement)
	}
	if c.state != StateOpen && c.state != StateReady {
		return nil, ErrWrongState
	}
	c.state = StateClosed
	if c.latestSettlement == nil {
		return nil, nil
	}
	return serializeTx(c.latestSettlement)
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
