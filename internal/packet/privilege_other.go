//go:build !unix

package packet

import "bytemomo/sonar/pkg/sonarerr"

// CanUseRaw always fails where raw IP sockets are not supported.
func CanUseRaw() error {
	return sonarerr.E(sonarerr.PermissionDenied, "raw socket", "raw IP sockets are unsupported on this platform", nil)
}
