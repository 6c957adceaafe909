package proxy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nikicat/git-sentry/internal/agentproto"
	"github.com/nikicat/git-sentry/internal/approval"
)

// Policy is the set of request kinds that need approval. Everything else is
// forwarded without asking.
type Policy struct {
	gated map[approval.RequestType]bool
}

var knownKinds = []approval.RequestType{
	approval.RequestTypeSign,
	approval.RequestTypeAddIdentity,
	approval.RequestTypeRemoveIdentity,
	approval.RequestTypeRemoveAll,
	approval.RequestTypeLock,
}

// KnownKinds lists every kind a policy may name.
func KnownKinds() []string {
	out := make([]string, len(knownKinds))
	for i, k := range knownKinds {
		out[i] = string(k)
	}
	return out
}

// DefaultPolicy gates signing only.
func DefaultPolicy() Policy {
	return Policy{gated: map[approval.RequestType]bool{approval.RequestTypeSign: true}}
}

// ParsePolicy builds a policy from kind names such as "sign" or
// "remove_all". An empty list yields DefaultPolicy.
func ParsePolicy(kinds []string) (Policy, error) {
	if len(kinds) == 0 {
		return DefaultPolicy(), nil
	}
	p := Policy{gated: make(map[approval.RequestType]bool)}
	for _, k := range kinds {
		rt := approval.RequestType(strings.TrimSpace(k))
		if !slices.Contains(knownKinds, rt) {
			return Policy{}, fmt.Errorf("unknown request kind %q", k)
		}
		p.gated[rt] = true
	}
	return p, nil
}

// Kinds returns the gated kinds in a stable order.
func (p Policy) Kinds() []string {
	var out []string
	for _, k := range knownKinds {
		if p.gated[k] {
			out = append(out, string(k))
		}
	}
	return out
}

// Gate reports whether a message of msgType needs approval, and as which
// kind.
func (p Policy) Gate(msgType byte) (approval.RequestType, bool) {
	rt, ok := requestTypeOf(msgType)
	if !ok {
		return "", false
	}
	return rt, p.gated[rt]
}

func requestTypeOf(msgType byte) (approval.RequestType, bool) {
	switch msgType {
	case agentproto.TypeSignRequest:
		return approval.RequestTypeSign, true
	case agentproto.TypeAddIdentity, agentproto.TypeAddIDConstrained:
		return approval.RequestTypeAddIdentity, true
	case agentproto.TypeRemoveIdentity:
		return approval.RequestTypeRemoveIdentity, true
	case agentproto.TypeRemoveAllIdentities:
		return approval.RequestTypeRemoveAll, true
	case agentproto.TypeLock, agentproto.TypeUnlock:
		return approval.RequestTypeLock, true
	default:
		return "", false
	}
}
