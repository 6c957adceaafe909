// Package agentproto implements the subset of the SSH agent wire protocol
// needed to classify, display and relay agent requests.
//
// A frame is a 4-byte big-endian length followed by that many bytes: a
// one-byte message type and a type-specific body.
package agentproto

import "errors"

// Request message types sent by clients.
const (
	TypeRequestIdentities   byte = 11
	TypeSignRequest         byte = 13
	TypeAddIdentity         byte = 17
	TypeRemoveIdentity      byte = 18
	TypeRemoveAllIdentities byte = 19
	TypeLock                byte = 22
	TypeUnlock              byte = 23
	TypeAddIDConstrained    byte = 25
)

// Response message types sent by agents.
const (
	TypeFailure          byte = 5
	TypeSuccess          byte = 6
	TypeIdentitiesAnswer byte = 12
	TypeSignResponse     byte = 14
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 4

var (
	// ErrTruncated means fewer bytes are available than the frame declares.
	// The caller should read more and retry.
	ErrTruncated = errors.New("agentproto: truncated frame")
	// ErrMalformed means a known message body does not satisfy its own
	// length-prefixed fields.
	ErrMalformed = errors.New("agentproto: malformed message")
	// ErrFrameTooLarge means the declared frame length exceeds the limit.
	ErrFrameTooLarge = errors.New("agentproto: frame too large")
	// ErrUnknownMessage is returned when marshalling an Unknown message,
	// which keeps only its type tag.
	ErrUnknownMessage = errors.New("agentproto: cannot marshal unknown message")
)

// Message is a parsed agent request.
type Message interface {
	// Type returns the wire message type.
	Type() byte
}

// RequestIdentities asks the agent to list its keys.
type RequestIdentities struct{}

// SignRequest asks the agent to sign Data with the key identified by KeyBlob.
type SignRequest struct {
	KeyBlob []byte
	Data    []byte
	Flags   uint32
}

// RemoveAllIdentities asks the agent to drop every key.
type RemoveAllIdentities struct{}

// Unknown is any message type this package does not model. Only the type
// tag is kept; the raw frame is what gets forwarded.
type Unknown struct {
	Tag byte
}

func (RequestIdentities) Type() byte { return TypeRequestIdentities }

func (SignRequest) Type() byte { return TypeSignRequest }

func (RemoveAllIdentities) Type() byte { return TypeRemoveAllIdentities }

func (u Unknown) Type() byte { return u.Tag }

// TypeName returns a short human-readable name for a message type.
func TypeName(t byte) string {
	switch t {
	case TypeRequestIdentities:
		return "request_identities"
	case TypeSignRequest:
		return "sign_request"
	case TypeAddIdentity:
		return "add_identity"
	case TypeRemoveIdentity:
		return "remove_identity"
	case TypeRemoveAllIdentities:
		return "remove_all_identities"
	case TypeLock:
		return "lock"
	case TypeUnlock:
		return "unlock"
	case TypeAddIDConstrained:
		return "add_identity_constrained"
	case TypeFailure:
		return "failure"
	case TypeSuccess:
		return "success"
	case TypeIdentitiesAnswer:
		return "identities_answer"
	case TypeSignResponse:
		return "sign_response"
	default:
		return "unknown"
	}
}
