//go:build unix

package packet

import (
	"golang.org/x/sys/unix"

	"bytemomo/sonar/pkg/sonarerr"
)

// CanUseRaw reports whether the process may open raw IPv4 sockets by trying
// to open one.
func CanUseRaw() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return sonarerr.FromOS("raw socket", err)
	}
	unix.Close(fd)
	return nil
}
