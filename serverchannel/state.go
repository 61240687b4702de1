// Package serverchannel implements the payee's view of a single payment
// channel: validating and signing the payer's refund, accepting the
// funding contract, tracking the best-so-far settlement, and driving
// channel close.
//
// Mirrors clientchannel; both are generalized from gcash-bchwallet's
// paymentchannels.Channel, with the revocation/breach machinery removed:
// this channel only ever falls back to an absolute timelock refund.
package serverchannel

import (
	"bytes"
	"time"

	"github.com/bchpaychan/paychannel/chanscript"
	"github.com/bchpaychan/paychannel/paychaniface"
	"github.com/bchpaychan/paychannel/paychanlog"
	"github.com/gcash/bchd/bchec"
	"github.com/gcash/bchd/chaincfg"
	"github.com/gcash/bchd/chaincfg/chainhash"
	"github.com/gcash/bchd/txscript"
	"github.com/gcash/bchd/wire"
	"github.com/gcash/bchutil"
	"github.com/gcash/bchwallet/wallet/txsizes"
	"github.com/go-errors/errors"
)

var log = paychanlog.SubLogger(paychanlog.SubsystemServerChannel)

// State is the internal lifecycle of a ServerChannelState.
type State uint8

const (
	StateWaitingForRefund State = iota
	StateWaitingForContract
	StateReady
	StateOpen
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
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

// Sentinel errors returned by ServerChannelState methods.
var (
	ErrBadTransaction = errors.New("refund or contract failed structural or cryptographic validation")
	ErrBadValue       = errors.New("settlement value is not strictly greater than the current best")
	ErrWrongState     = errors.New("operation not valid in current state")
)

// Config bundles the fixed construction-time parameters for a server
// channel.
type Config struct {
	Params      *chaincfg.Params
	Wallet      paychaniface.Wallet
	Broadcaster paychaniface.Broadcaster
	Clock       paychaniface.Clock

	// MinAcceptedValue is the minimum channel value this server will
	// accept; communicated to the client in INITIATE.
	MinAcceptedValue bchutil.Amount

	// ExpiryWindow is how far in the future this server sets T_exp when
	// proposing a channel.
	ExpiryWindow time.Duration

	FeePerByte bchutil.Amount
	DustLimit  bchutil.Amount
}

// ServerChannelState is the payee's view of one channel. Not safe for
// concurrent use; the embedder serializes access.
type ServerChannelState struct {
	cfg Config

	state State
	err   error

	payeePriv *bchec.PrivateKey
	payerPub  *bchec.PublicKey

	payeePayoutScript []byte

	expiry time.Time

	refundTx *wire.MsgTx

	contract   *chanscript.Contract
	contractTx *wire.MsgTx

	paidAmount     bchutil.Amount
	bestSettlement *wire.MsgTx
	bestPayerSig   []byte
	bestPayeeSig   []byte
}

// New constructs a fresh ServerChannelState in the WAITING_FOR_REFUND
// state, having already issued payeePriv as this channel's half of the
// 2-of-2 key and expiry as the proposed T_exp.
func New(cfg Config, payeePriv *bchec.PrivateKey, payeePayoutScript []byte, expiry time.Time) *ServerChannelState {
	return &ServerChannelState{
		cfg:               cfg,
		state:             StateWaitingForRefund,
		payeePriv:         payeePriv,
		payeePayoutScript: payeePayoutScript,
		expiry:            expiry,
	}
}

// State returns the channel's current lifecycle state.
func (s *ServerChannelState) State() State { return s.state }

// Err returns the error that placed the channel into StateError, if any.
func (s *ServerChannelState) Err() error { return s.err }

// ContractHash returns the funding transaction's hash, valid once the
// contract has been provided (state >= StateReady).
func (s *ServerChannelState) ContractHash() chainhash.Hash {
	if s.contract == nil {
		return chainhash.Hash{}
	}
	return s.contract.TxID
}

// PaidAmount returns V_s, the amount currently committed to the payee.
func (s *ServerChannelState) PaidAmount() bchutil.Amount { return s.paidAmount }

// Value returns V, the total contract value, valid once the contract has
// been provided (state >= StateReady).
func (s *ServerChannelState) Value() bchutil.Amount {
	if s.contract == nil {
		return 0
	}
	return s.contract.Value
}

// Expiry returns this channel's T_exp.
func (s *ServerChannelState) Expiry() time.Time { return s.expiry }

// BestSettlementBytes completes the best-so-far settlement with this
// server's own signature (the same completion Close performs) and returns
// the fully signed, ready-to-broadcast transaction. Valid once at least one
// payment has been accepted. The server store persists these bytes so its
// expiry timer can broadcast them as a safety net even if the session never
// calls Close.
func (s *ServerChannelState) BestSettlementBytes() ([]byte, error) {
	if s.bestSettlement == nil {
		return nil, ErrWrongState
	}
	final, err := chanscript.VerifyAndComplete(s.bestSettlement, s.contract, s.bestPayeeSig, s.bestPayerSig, false)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := final.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *ServerChannelState) fail(err error) error {
	s.state = StateError
	s.err = err
	log.Errorf("channel entering error state: %s", err)
	return err
}

// ProvideRefund validates the structure of the payer's unsigned refund
// transaction (lock time at or after this channel's T_exp, single input,
// single output) and returns this server's signature over it. The output's
// script and value are not checked.
func (s *ServerChannelState) ProvideRefund(refundBytes []byte, payerMultisigKey *bchec.PublicKey) ([]byte, error) {
	if s.state != StateWaitingForRefund {
		return nil, ErrWrongState
	}
	if len(refundBytes) == 0 || payerMultisigKey == nil {
		return nil, s.fail(ErrBadTransaction)
	}

	tx := wire.NewMsgTx(1)
	if err := tx.Deserialize(bytes.NewReader(refundBytes)); err != nil {
		return nil, s.fail(ErrBadTransaction)
	}
	if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		return nil, s.fail(ErrBadTransaction)
	}
	if tx.LockTime < uint32(s.expiry.Unix()) {
		return nil, s.fail(ErrBadTransaction)
	}

	redeemScript, err := buildRedeemScript(payerMultisigKey, s.payeePriv.PubKey(), s.cfg.Params)
	if err != nil {
		return nil, s.fail(ErrBadTransaction)
	}
	scriptPubKey, err := scriptHashScript(redeemScript, s.cfg.Params)
	if err != nil {
		return nil, s.fail(ErrBadTransaction)
	}

	// The refund output is the contract value less the fee that
	// chanscript.BuildRefund deducts, so V is that output plus the fee.
	refundFee := int64(s.cfg.FeePerByte) * int64(txsizes.EstimateSerializeSize(1, tx.TxOut, false))
	contract := &chanscript.Contract{
		OutputIndex:  tx.TxIn[0].PreviousOutPoint.Index,
		Value:        bchutil.Amount(tx.TxOut[0].Value + refundFee),
		PayerPubKey:  payerMultisigKey,
		PayeePubKey:  s.payeePriv.PubKey(),
		RedeemScript: redeemScript,
		ScriptPubKey: scriptPubKey,
	}
	contract.TxID = tx.TxIn[0].PreviousOutPoint.Hash

	sig, err := chanscript.SignRefund(tx, contract, s.payeePriv)
	if err != nil {
		return nil, s.fail(ErrBadTransaction)
	}

	s.payerPub = payerMultisigKey
	s.refundTx = tx
	s.contract = contract
	s.state = StateWaitingForContract
	return sig, nil
}

// ProvideContract verifies the broadcast-bound funding transaction matches
// the refund this server already signed (same outpoint it spends, a 2-of-2
// output of the agreed value), schedules it for broadcast, and transitions
// to READY.
func (s *ServerChannelState) ProvideContract(contractBytes []byte) error {
	if s.state != StateWaitingForContract {
		return ErrWrongState
	}
	tx := wire.NewMsgTx(1)
	if err := tx.Deserialize(bytes.NewReader(contractBytes)); err != nil {
		return s.fail(ErrBadTransaction)
	}
	txHash := tx.TxHash()
	if txHash != s.refundTx.TxIn[0].PreviousOutPoint.Hash {
		return s.fail(ErrBadTransaction)
	}
	idx := s.refundTx.TxIn[0].PreviousOutPoint.Index
	if int(idx) >= len(tx.TxOut) {
		return s.fail(ErrBadTransaction)
	}
	out := tx.TxOut[idx]
	if bchutil.Amount(out.Value) != s.contract.Value {
		return s.fail(ErrBadTransaction)
	}
	if string(out.PkScript) != string(s.contract.ScriptPubKey) {
		return s.fail(ErrBadTransaction)
	}

	s.contractTx = tx
	if err := s.cfg.Broadcaster.Broadcast(tx); err != nil {
		return err
	}
	s.state = StateReady
	return nil
}

// MarkOpen transitions the channel to OPEN after CHANNEL_OPEN has been
// emitted to the client.
func (s *ServerChannelState) MarkOpen() error {
	if s.state != StateReady {
		return ErrWrongState
	}
	s.state = StateOpen
	return nil
}

// IncrementPayment reconstructs the settlement transaction paying newVs to
// the payee (the wire protocol carries only the payer's remaining balance
// and a signature, never the transaction itself) and verifies payerSig
// against it. Requires newVs to strictly exceed the current best V_s.
func (s *ServerChannelState) IncrementPayment(newVs bchutil.Amount, payerSig []byte) (bchutil.Amount, error) {
	if s.state != StateOpen {
		return 0, ErrWrongState
	}
	if newVs <= s.paidAmount {
		return 0, ErrBadValue
	}

	payeeScript, err := chanscript.PubKeyToPayoutScript(s.payeePriv.PubKey(), s.cfg.Params)
	if err != nil {
		return 0, s.fail(ErrBadTransaction)
	}
	payerScript := s.refundTx.TxOut[0].PkScript
	rebuilt, payeeSig, err := chanscript.SignSettlement(s.contract, s.payeePriv, payeeScript, payerScript, newVs, s.cfg.FeePerByte, s.cfg.DustLimit)
	if err != nil {
		return 0, s.fail(ErrBadTransaction)
	}
	if !chanscript.VerifySignature(rebuilt, 0, s.contract, payerSig, s.payerPub) {
		return 0, s.fail(ErrBadTransaction)
	}

	s.paidAmount = newVs
	s.bestSettlement = rebuilt
	s.bestPayerSig = payerSig
	s.bestPayeeSig = payeeSig
	return newVs, nil
}

// Close completes the best-so-far settlement with this server's own
// signature, broadcasts it, and transitions to CLOSED. Safe to call
// repeatedly; subsequent calls are no-ops.
func (s *ServerChannelState) Close() error {
	if s.state == StateClosed {
		return nil
	}
	if s.bestSettlement == nil {
		s.state = StateClosed
		return nil
	}
	s.state = StateClosing

	final, err := chanscript.VerifyAndComplete(s.bestSettlement, s.contract, s.bestPayeeSig, s.bestPayerSig, false)
	if err != nil {
		return s.fail(ErrBadTransaction)
	}
	if err := s.cfg.Broadcaster.Broadcast(final); err != nil {
		return err
	}
	s.state = StateClosed
	return nil
}

func buildRedeemScript(payerPub, payeePub *bchec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	_, script, err := chanscript.BuildMultisigScript(payerPub, payeePub, params)
	return script, err
}

func scriptHashScript(redeemScript []byte, params *chaincfg.Params) ([]byte, error) {
	addr, err := bchutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

