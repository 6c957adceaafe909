package agentproto

import (
	"bytes"
	"encoding/hex"

	"golang.org/x/crypto/ssh"
)

// PreviewBytes bounds the hex preview of sign data shown to the operator.
const PreviewBytes = 32

// Sign data kinds recognized by InspectSignData.
const (
	SignKindUserAuth = "userauth"
	SignKindSSHSig   = "sshsig"
	SignKindUnknown  = "unknown"
)

const msgUserAuthRequest = 50

var sshsigMagic = []byte("SSHSIG")

// KeyInfo describes the public key a sign request refers to.
type KeyInfo struct {
	Type        string
	Fingerprint string
}

// DescribeKey parses an SSH wire-format public key blob. Unparseable blobs
// still get a stable identifier derived from their bytes.
func DescribeKey(blob []byte) KeyInfo {
	pub, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return KeyInfo{Type: "unknown", Fingerprint: "blob:" + Preview(blob)}
	}
	return KeyInfo{Type: pub.Type(), Fingerprint: ssh.FingerprintSHA256(pub)}
}

// SignContext is what can be learned about the data an agent is asked to sign.
type SignContext struct {
	Kind string
	// User and Service are set for SSH user authentication requests.
	User    string
	Service string
	// Namespace is set for SSHSIG signatures ("git" for commit signing).
	Namespace string
	HashAlg   string
}

// userAuthSignData is the blob a client asks the agent to sign during
// publickey user authentication (RFC 4252 section 7).
type userAuthSignData struct {
	SessionID []byte
	MsgType   byte
	User      string
	Service   string
	Method    string
	HasSig    bool
	Algo      string
	PubKey    []byte
}

type sshsigSignData struct {
	Namespace string
	Reserved  []byte
	HashAlg   string
	Hash      []byte
}

// InspectSignData classifies the payload of a sign request.
func InspectSignData(data []byte) SignContext {
	if rest, ok := bytes.CutPrefix(data, sshsigMagic); ok {
		var sig sshsigSignData
		if err := ssh.Unmarshal(rest, &sig); err == nil {
			return SignContext{Kind: SignKindSSHSig, Namespace: sig.Namespace, HashAlg: sig.HashAlg}
		}
	}

	var ua userAuthSignData
	if err := ssh.Unmarshal(data, &ua); err == nil && ua.MsgType == msgUserAuthRequest && ua.Method == "publickey" {
		return SignContext{Kind: SignKindUserAuth, User: ua.User, Service: ua.Service}
	}

	return SignContext{Kind: SignKindUnknown}
}

// Preview hex-encodes at most PreviewBytes of b, with a trailing "..." when
// b was cut.
func Preview(b []byte) string {
	if len(b) <= PreviewBytes {
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b[:PreviewBytes]) + "..."
}
