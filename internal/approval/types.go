// Package approval coordinates agent requests that wait for an out-of-band
// human decision.
package approval

// ProcessInfo represents a single process in the process chain.
type ProcessInfo struct {
	Name string `json:"name"`
	PID  uint32 `json:"pid"`
}

// SenderInfo describes the process on the other end of the agent socket.
type SenderInfo struct {
	PID          uint32        `json:"pid"`                     // Process ID (0 if unknown)
	UID          uint32        `json:"uid"`                     // User ID
	UserName     string        `json:"user_name"`               // Username (may be empty if lookup fails)
	ProcessChain []ProcessInfo `json:"process_chain,omitempty"` // Requestor first, then its ancestors
	Invoker      string        `json:"invoker,omitempty"`       // First non-shell process in the chain
}

// RequestType indicates which agent operation is waiting for approval.
type RequestType string

const (
	RequestTypeSign           RequestType = "sign"
	RequestTypeAddIdentity    RequestType = "add_identity"
	RequestTypeRemoveIdentity RequestType = "remove_identity"
	RequestTypeRemoveAll      RequestType = "remove_all"
	RequestTypeLock           RequestType = "lock"
)

// SignInfo carries the displayable parts of a sign request. The key is only
// ever described by type and fingerprint.
type SignInfo struct {
	KeyType     string `json:"key_type"`
	Fingerprint string `json:"fingerprint"`
	Flags       uint32 `json:"flags"`
	DataPreview string `json:"data_preview"`

	// Kind is "userauth", "sshsig" or "unknown".
	Kind      string `json:"kind"`
	User      string `json:"user,omitempty"`
	Service   string `json:"service,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}
