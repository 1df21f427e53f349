package fingerprint

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"bytemomo/sonar/internal/domain"
	"bytemomo/sonar/pkg/sonarerr"
)

// Feature names emitted by the banner battery.
const (
	FeatBannerTokens = "banner.tokens"
	FeatOSHint       = "os.hint"
)

const maxGreeting = 1024

// osHints maps banner tokens to the OS family they betray.
var osHints = []struct {
	token, family string
}{
	{"ubuntu", "linux"},
	{"debian", "linux"},
	{"centos", "linux"},
	{"rhel", "linux"},
	{"fedora", "linux"},
	{"alpine", "linux"},
	{"raspbian", "linux"},
	{"linux", "linux"},
	{"busybox", "linux"},
	{"microsoft", "windows"},
	{"windows", "windows"},
	{"win32", "windows"},
	{"win64", "windows"},
	{"freebsd", "freebsd"},
	{"openbsd", "openbsd"},
	{"netbsd", "bsd"},
	{"darwin", "macos"},
	{"macos", "macos"},
	{"cisco", "cisco"},
}

// OSHint returns the OS family named by a banner token, or "".
func OSHint(tokens []string) string {
	for _, h := range osHints {
		for _, t := range tokens {
			if t == h.token {
				return h.family
			}
		}
	}
	return ""
}

// banner connects to the open port and reads whatever the service says
// first. Services that wait for the client yield no features.
func (r *run) banner(parent context.Context) error {
	t := template("BANNER")
	ctx, cancel := context.WithTimeout(parent, r.f.Config.Timeout)
	defer cancel()

	addr := net.JoinHostPort(r.target.Addr.String(), strconv.Itoa(int(r.open)))
	start := time.Now()
	conn, err := r.f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		err = sonarerr.FromOS("banner", err)
		r.record(t, 1, 0, 0, err.Error())
		if parent.Err() != nil {
			return sonarerr.FromOS("banner", parent.Err())
		}
		return nil
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}

	buf := make([]byte, maxGreeting)
	n, err := io.ReadAtLeast(conn, buf, 1)
	rtt := time.Since(start)
	if n == 0 {
		note := "no greeting"
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, io.EOF) {
			note = err.Error()
		}
		r.record(t, 1, 0, 0, note)
		if parent.Err() != nil {
			return sonarerr.FromOS("banner", parent.Err())
		}
		return nil
	}
	r.record(t, 1, 1, rtt, "")
	tokens := domain.Tokenize(string(buf[:n]))
	fv := domain.FeatureVector{}
	fv.SetTokens(FeatBannerTokens, tokens)
	if hint := OSHint(tokens); hint != "" {
		fv.SetStr(FeatOSHint, hint)
	}
	r.set(fv)
	return nil
}
