// Package procutil walks the Linux process tree via /proc to describe
// which process is talking to the agent socket.
package procutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MaxChainDepth bounds how many ancestors ReadChain collects.
const MaxChainDepth = 8

// shells is the set of known shell process names to skip when walking
// up the process tree to find the user-facing invoker.
var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true,
	"dash": true, "csh": true, "tcsh": true, "ksh": true,
}

// IsShell reports whether the given comm name is a known shell.
func IsShell(comm string) bool {
	return shells[comm]
}

// procRoot is replaced in tests.
var procRoot = "/proc"

// ReadComm reads the process name from /proc/<pid>/comm.
// Returns empty string on error.
func ReadComm(pid int32) string {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/comm", procRoot, pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// statFields parses /proc/<pid>/stat and returns the fields after the
// parenthesized comm, which may itself contain spaces.
func statFields(pid int32) []string {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", procRoot, pid))
	if err != nil {
		return nil
	}
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return nil
	}
	return strings.Fields(s[i+2:])
}

// ReadPPID reads the parent PID from /proc/<pid>/stat.
// Returns 0 on any error.
func ReadPPID(pid int32) int32 {
	fields := statFields(pid)
	if len(fields) < 2 {
		return 0
	}
	ppid, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return 0
	}
	return int32(ppid)
}

// Entry is one process in a chain.
type Entry struct {
	Comm string
	PID  int32
}

// Chain lists a process followed by its ancestors.
type Chain []Entry

// String renders the chain as "git[120] ← zsh[98]".
func (c Chain) String() string {
	parts := make([]string, len(c))
	for i, e := range c {
		parts[i] = fmt.Sprintf("%s[%d]", e.Comm, e.PID)
	}
	return strings.Join(parts, " ← ")
}

// ReadChain walks from pid towards init, stopping before PID 1, at an
// unreadable process, or after MaxChainDepth entries.
func ReadChain(pid int32) Chain {
	var chain Chain
	for p := pid; p > 1 && len(chain) < MaxChainDepth; p = ReadPPID(p) {
		comm := ReadComm(p)
		if comm == "" {
			break
		}
		chain = append(chain, Entry{Comm: comm, PID: p})
	}
	return chain
}

// Invoker returns the first entry that is not a shell, or the first entry
// when every process in the chain is a shell. The zero Entry is returned
// for an empty chain.
func (c Chain) Invoker() Entry {
	for _, e := range c {
		if !IsShell(e.Comm) {
			return e
		}
	}
	if len(c) > 0 {
		return c[0]
	}
	return Entry{}
}
