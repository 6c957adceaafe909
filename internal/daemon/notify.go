package daemon

import (
	"log/slog"
	"net"
	"os"
	"strings"
)

// SdNotify sends a state line such as "READY=1" to the service manager.
// It is a no-op outside systemd (NOTIFY_SOCKET unset). Failures are logged
// and otherwise ignored: the proxy works the same without a manager.
func SdNotify(state string) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return
	}
	addr := &net.UnixAddr{Net: "unixgram", Name: socket}
	// Abstract namespace.
	if strings.HasPrefix(socket, "@") {
		addr.Name = "\x00" + socket[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, addr)
	if err != nil {
		slog.Warn("sd-notify failed", "socket", socket, "state", state, "error", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		slog.Warn("sd-notify failed", "socket", socket, "state", state, "error", err)
	}
}
