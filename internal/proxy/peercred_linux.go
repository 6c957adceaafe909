package proxy

import (
	"log/slog"
	"net"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/nikicat/git-sentry/internal/approval"
	"github.com/nikicat/git-sentry/internal/procutil"
)

// peerSender reads SO_PEERCRED from a unix connection and resolves the
// peer's process chain. Other connection types yield an empty SenderInfo.
func peerSender(c net.Conn) approval.SenderInfo {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return approval.SenderInfo{}
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return approval.SenderInfo{}
	}

	var cred *unix.Ucred
	var credErr error
	raw.Control(func(fd uintptr) { //nolint:errcheck
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if credErr != nil || cred == nil {
		slog.Debug("peer credentials unavailable", "error", credErr)
		return approval.SenderInfo{}
	}

	info := approval.SenderInfo{
		PID: uint32(cred.Pid),
		UID: cred.Uid,
	}
	if u, err := user.LookupId(strconv.FormatUint(uint64(cred.Uid), 10)); err == nil {
		info.UserName = u.Username
	}

	chain := procutil.ReadChain(cred.Pid)
	for _, e := range chain {
		info.ProcessChain = append(info.ProcessChain, approval.ProcessInfo{Name: e.Comm, PID: uint32(e.PID)})
	}
	if len(chain) > 0 {
		info.Invoker = chain.Invoker().Comm
		slog.Debug("peer process chain", "chain", chain.String())
	}
	return info
}
