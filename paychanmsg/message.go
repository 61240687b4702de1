// Package paychanmsg defines the typed tagged-union message set exchanged
// between the client and server protocol state machines. Wire framing and
// on-the-wire encoding are an external collaborator's responsibility; this
// package models only the logical shape of that schema, the way a
// pb.Message envelope groups a MessageType tag with a typed
// payload.
package paychanmsg

import "github.com/gcash/bchd/chaincfg/chainhash"

// Type identifies the kind of message carried in an envelope.
type Type uint8

const (
	TypeClientVersion Type = iota
	TypeServerVersion
	TypeInitiate
	TypeProvideRefund
	TypeReturnRefund
	TypeProvideContract
	TypeChannelOpen
	TypeUpdatePayment
	TypeClose
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeClientVersion:
		return "CLIENT_VERSION"
	case TypeServerVersion:
		return "SERVER_VERSION"
	case TypeInitiate:
		return "INITIATE"
	case TypeProvideRefund:
		return "PROVIDE_REFUND"
	case TypeReturnRefund:
		return "RETURN_REFUND"
	case TypeProvideContract:
		return "PROVIDE_CONTRACT"
	case TypeChannelOpen:
		return "CHANNEL_OPEN"
	case TypeUpdatePayment:
		return "UPDATE_PAYMENT"
	case TypeClose:
		return "CLOSE"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ErrorCode enumerates the reasons a session can be torn down with an ERROR
// message.
type ErrorCode uint8

const (
	// SyntaxError means a message arrived out of the expected sequence or
	// could not be decoded at all.
	SyntaxError ErrorCode = iota

	// BadTransaction means a signature, lock time, or output failed
	// cryptographic or structural validation.
	BadTransaction

	// Timeout means a protocol step did not complete within its
	// wall-clock cap.
	Timeout

	// NoAcceptableVersion means the peers could not agree on a protocol
	// major version.
	NoAcceptableVersion

	// ChannelValueTooLarge means the server asked for more value than the
	// client is willing to lock up.
	ChannelValueTooLarge

	// MinPaymentTooLarge is reserved for a minimum-payment-size rejection.
	MinPaymentTooLarge

	// TimeWindowTooLarge means the server's offered expiry exceeds the
	// client's acceptable window.
	TimeWindowTooLarge

	// ServerRequestedTooMuchValue means the server's minAcceptedChannelSize
	// exceeds the channel's total value.
	ServerRequestedTooMuchValue

	// Other covers any failure without a dedicated code.
	Other
)

func (c ErrorCode) String() string {
	switch c {
	case SyntaxError:
		return "SYNTAX_ERROR"
	case BadTransaction:
		return "BAD_TRANSACTION"
	case Timeout:
		return "TIMEOUT"
	case NoAcceptableVersion:
		return "NO_ACCEPTABLE_VERSION"
	case ChannelValueTooLarge:
		return "CHANNEL_VALUE_TOO_LARGE"
	case MinPaymentTooLarge:
		return "MIN_PAYMENT_TOO_LARGE"
	case TimeWindowTooLarge:
		return "TIME_WINDOW_TOO_LARGE"
	case ServerRequestedTooMuchValue:
		return "SERVER_REQUESTED_TOO_MUCH_VALUE"
	default:
		return "OTHER"
	}
}

// Message is implemented by every concrete payload type below.
type Message interface {
	Type() Type
}

// ClientVersion is the first message sent by the client. PreviousContractHash
// is nil for a fresh channel, or the 32-byte hash of a contract the client
// wishes to resume.
type ClientVersion struct {
	Major, Minor         uint32
	PreviousContractHash *chainhash.Hash
}

func (ClientVersion) Type() Type { return TypeClientVersion }

// ServerVersion is the server's reply to ClientVersion.
type ServerVersion struct {
	Major, Minor uint32
}

func (ServerVersion) Type() Type { return TypeServerVersion }

// Initiate proposes channel parameters to the client.
type Initiate struct {
	MultisigKey           [33]byte
	MinAcceptedChannelSize int64
	ExpireTimeSecs         uint64
}

func (Initiate) Type() Type { return TypeInitiate }

// ProvideRefund carries the client's multisig key and the unsigned refund
// transaction for the server to sign.
type ProvideRefund struct {
	MultisigKey [33]byte
	Tx          []byte
}

func (ProvideRefund) Type() Type { return TypeProvideRefund }

// ReturnRefund carries the server's signature over the refund transaction.
type ReturnRefund struct {
	Signature []byte
}

func (ReturnRefund) Type() Type { return TypeReturnRefund }

// ProvideContract carries the raw funding transaction.
type ProvideContract struct {
	Tx []byte
}

func (ProvideContract) Type() Type { return TypeProvideContract }

// ChannelOpen has no fields; it signals the channel is ready for payments.
type ChannelOpen struct{}

func (ChannelOpen) Type() Type { return TypeChannelOpen }

// UpdatePayment carries the payer's remaining balance and signature over the
// new settlement transaction.
type UpdatePayment struct {
	ClientChangeValue int64
	Signature         []byte
}

func (UpdatePayment) Type() Type { return TypeUpdatePayment }

// Close requests (or acknowledges) channel closure.
type Close struct{}

func (Close) Type() Type { return TypeClose }

// Error terminates a session with a reason code.
type Error struct {
	Code ErrorCode
}

func (Error) Type() Type { return TypeError }
