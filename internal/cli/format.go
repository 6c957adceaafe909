package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Formatter outputs data in various formats.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

// FormatRequests outputs a list of pending requests as a table.
func (f *Formatter) FormatRequests(requests []PendingRequest) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(requests)
	}

	if len(requests) == 0 {
		fmt.Fprintln(f.w, "No pending requests")
		return nil
	}

	fmt.Fprintf(f.w, "%-8s  %-10s  %7s  %-16s  %-8s  %-30s  %s\n", "ID", "CLIENT", "PID", "PROCESS", "TYPE", "KEY", "EXPIRES")
	fmt.Fprintf(f.w, "%-8s  %-10s  %7s  %-16s  %-8s  %-30s  %s\n", "--------", "----------", "-------", "----------------", "--------", "------------------------------", "-------")

	for _, req := range requests {
		fmt.Fprintf(f.w, "%-8s  %-10s  %7s  %-16s  %-8s  %-30s  %s\n",
			truncate(req.ID, 8),
			truncate(req.Client, 10),
			formatPID(req.SenderInfo.PID),
			truncate(processName(req.SenderInfo), 16),
			truncate(req.Type, 8),
			truncate(keySummary(req), 30),
			formatRemaining(req.ExpiresAt))
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

func keySummary(req PendingRequest) string {
	if req.Sign == nil {
		return "-"
	}
	return req.Sign.Fingerprint
}

func processName(s SenderInfo) string {
	if s.Invoker != "" {
		return s.Invoker
	}
	if len(s.ProcessChain) == 0 {
		return "-"
	}
	return s.ProcessChain[0].Name
}

func processChain(s SenderInfo) string {
	names := make([]string, len(s.ProcessChain))
	for i, p := range s.ProcessChain {
		names[i] = fmt.Sprintf("%s[%d]", p.Name, p.PID)
	}
	return strings.Join(names, " ← ")
}

func formatRemaining(expiresAt time.Time) string {
	remaining := time.Until(expiresAt).Round(time.Second)
	if remaining <= 0 {
		return "expired"
	}
	return remaining.String()
}

func formatPID(pid uint32) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

// FormatRequest outputs a single request.
func (f *Formatter) FormatRequest(req *PendingRequest) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(req)
	}

	remaining := max(time.Until(req.ExpiresAt).Round(time.Second), 0)

	fmt.Fprintf(f.w, "ID:      %s\n", req.ID)
	fmt.Fprintf(f.w, "Client:  %s\n", req.Client)
	fmt.Fprintf(f.w, "Type:    %s\n", req.Type)

	if len(req.SenderInfo.ProcessChain) > 0 {
		fmt.Fprintf(f.w, "Process: %s\n", processChain(req.SenderInfo))
	} else if req.SenderInfo.PID != 0 {
		fmt.Fprintf(f.w, "PID:     %d\n", req.SenderInfo.PID)
	}
	if req.SenderInfo.UserName != "" {
		fmt.Fprintf(f.w, "User:    %s\n", req.SenderInfo.UserName)
	}

	if s := req.Sign; s != nil {
		fmt.Fprintf(f.w, "Key:     %s %s\n", s.KeyType, s.Fingerprint)
		switch {
		case s.Namespace != "":
			fmt.Fprintf(f.w, "Signs:   %s signature\n", s.Namespace)
		case s.User != "":
			fmt.Fprintf(f.w, "Signs:   SSH login as %s (%s)\n", s.User, s.Service)
		default:
			fmt.Fprintf(f.w, "Signs:   %s data\n", s.Kind)
		}
		fmt.Fprintf(f.w, "Data:    %s\n", s.DataPreview)
	}

	fmt.Fprintf(f.w, "Expires: %s (%s remaining)\n", req.ExpiresAt.Format(time.RFC3339), remaining)
	return nil
}

// FormatHistory outputs history entries as a table.
func (f *Formatter) FormatHistory(entries []HistoryEntry) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(f.w, "No history entries")
		return nil
	}

	fmt.Fprintf(f.w, "%-8s  %-10s  %7s  %-16s  %-8s  %-10s  %-30s  %s\n", "ID", "CLIENT", "PID", "PROCESS", "TYPE", "RESULT", "KEY", "RESOLVED")
	fmt.Fprintf(f.w, "%-8s  %-10s  %7s  %-16s  %-8s  %-10s  %-30s  %s\n", "--------", "----------", "-------", "----------------", "--------", "----------", "------------------------------", "--------")

	for _, entry := range entries {
		fmt.Fprintf(f.w, "%-8s  %-10s  %7s  %-16s  %-8s  %-10s  %-30s  %s\n",
			truncate(entry.Request.ID, 8),
			truncate(entry.Request.Client, 10),
			formatPID(entry.Request.SenderInfo.PID),
			truncate(processName(entry.Request.SenderInfo), 16),
			truncate(entry.Request.Type, 8),
			truncate(entry.Resolution, 10),
			truncate(keySummary(entry.Request), 30),
			formatAgo(entry.ResolvedAt))
	}
	return nil
}

func formatAgo(t time.Time) string {
	ago := time.Since(t).Round(time.Second)
	if ago < 0 {
		return "just now"
	}
	return ago.String() + " ago"
}

// FormatAction outputs an action result.
func (f *Formatter) FormatAction(action, id string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{
			"status": action,
			"id":     id,
		})
	}
	fmt.Fprintf(f.w, "Request %s: %s\n", id, action)
	return nil
}

// FormatStatus outputs the daemon status.
func (f *Formatter) FormatStatus(st *Status) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(st)
	}

	upstream := "unavailable"
	if st.Upstream.Available {
		upstream = "available"
	}
	fmt.Fprintf(f.w, "Listening: %s %s\n", st.Listen.Network, st.Listen.Address)
	fmt.Fprintf(f.w, "Upstream:  %s (%s)\n", st.Upstream.Path, upstream)
	fmt.Fprintf(f.w, "Policy:    %s\n", strings.Join(st.Policy, ", "))
	fmt.Fprintf(f.w, "Timeout:   %s\n", st.Timeout)
	fmt.Fprintf(f.w, "Clients:   %d\n", len(st.Clients))
	fmt.Fprintf(f.w, "Pending:   %d\n", st.PendingCount)
	return nil
}

// FormatEvent outputs one event from the live stream as a single line.
func (f *Formatter) FormatEvent(ev Event) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(ev)
	}

	now := time.Now().Format(time.TimeOnly)
	switch ev.Type {
	case "snapshot":
		fmt.Fprintf(f.w, "%s  connected: %d pending, %d clients\n", now, len(ev.Requests), len(ev.Clients))
		for _, req := range ev.Requests {
			fmt.Fprintf(f.w, "%s  pending   %s  %s  %s\n", now, truncate(req.ID, 8), req.Type, firstLine(req.Summary))
		}
	case "request_created":
		if ev.Request != nil {
			fmt.Fprintf(f.w, "%s  request   %s  %s  %s\n", now, truncate(ev.Request.ID, 8), ev.Request.Type, firstLine(ev.Request.Summary))
		}
	case "request_resolved":
		fmt.Fprintf(f.w, "%s  %-9s %s\n", now, ev.Result, truncate(ev.ID, 8))
	case "client_connected", "client_disconnected":
		if ev.Client != nil {
			verb := "connect"
			if ev.Type == "client_disconnected" {
				verb = "disconnect"
			}
			fmt.Fprintf(f.w, "%s  %-9s %s pid %s\n", now, verb, ev.Client.Name, formatPID(ev.Client.PID))
		}
	case "upstream_changed":
		state := "down"
		if ev.UpstreamAvailable != nil && *ev.UpstreamAvailable {
			state = "up"
		}
		fmt.Fprintf(f.w, "%s  upstream  %s\n", now, state)
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
