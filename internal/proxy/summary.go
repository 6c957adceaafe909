package proxy

import (
	"fmt"
	"strings"

	"github.com/nikicat/git-sentry/internal/agentproto"
	"github.com/nikicat/git-sentry/internal/approval"
)

// describe builds the operator-facing summary for a gated message. Key
// material is shown only as type and fingerprint; sign data only as a
// bounded hex preview.
func describe(msg agentproto.Message, kind approval.RequestType, sender approval.SenderInfo) (string, *approval.SignInfo) {
	var b strings.Builder
	var sign *approval.SignInfo

	switch m := msg.(type) {
	case agentproto.SignRequest:
		key := agentproto.DescribeKey(m.KeyBlob)
		sc := agentproto.InspectSignData(m.Data)
		sign = &approval.SignInfo{
			KeyType:     key.Type,
			Fingerprint: key.Fingerprint,
			Flags:       m.Flags,
			DataPreview: agentproto.Preview(m.Data),
			Kind:        sc.Kind,
			User:        sc.User,
			Service:     sc.Service,
			Namespace:   sc.Namespace,
		}

		switch sc.Kind {
		case agentproto.SignKindSSHSig:
			fmt.Fprintf(&b, "Sign %q signature\n", sc.Namespace)
		case agentproto.SignKindUserAuth:
			fmt.Fprintf(&b, "SSH login as %s\n", sc.User)
		default:
			b.WriteString("Sign request\n")
		}
		fmt.Fprintf(&b, "Key: %s %s\n", key.Type, key.Fingerprint)
		fmt.Fprintf(&b, "Data: %s (%d bytes)", sign.DataPreview, len(m.Data))
	default:
		fmt.Fprintf(&b, "Agent request: %s", agentproto.TypeName(msg.Type()))
		if kind == approval.RequestTypeRemoveAll {
			b.WriteString("\nThis removes every key from the agent.")
		}
	}

	if sender.Invoker != "" {
		fmt.Fprintf(&b, "\nRequested by: %s", sender.Invoker)
	}
	if len(sender.ProcessChain) > 0 {
		fmt.Fprintf(&b, "\nProcess: %s", processLabel(sender))
	} else if sender.PID != 0 {
		fmt.Fprintf(&b, "\nProcess: pid %d", sender.PID)
	}
	if sender.UserName != "" {
		fmt.Fprintf(&b, "\nUser: %s", sender.UserName)
	}

	return b.String(), sign
}
