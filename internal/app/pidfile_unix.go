//go:build !windows

package app

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// processAlive reports whether pid names a process that has not exited.
// Zombies count as exited.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	switch err := unix.Kill(pid, 0); err {
	case nil, unix.EPERM:
	default:
		return false
	}
	return !zombie(pid)
}

// zombie reads the state field of /proc/<pid>/stat. Systems without procfs
// report false.
func zombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// The command name in field 2 may contain spaces; the state follows the
	// closing parenthesis.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 {
		return false
	}
	fields := strings.Fields(s[i+1:])
	return len(fields) > 0 && fields[0] == "Z"
}
