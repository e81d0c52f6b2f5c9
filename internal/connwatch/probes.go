package connwatch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// maxBannerLines bounds the pre-identification lines a server may send
// before its "SSH-" version string.
const maxBannerLines = 10

// SSHBannerProbe returns a probe that connects to addr and reads the
// server's SSH identification line. It never authenticates, so it does
// not count against login rate limits or clutter the router's auth log.
func SSHBannerProbe(addr string) ProbeFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()

		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(10 * time.Second)
		}
		_ = conn.SetReadDeadline(deadline)

		r := bufio.NewReader(conn)
		for range maxBannerLines {
			line, err := r.ReadString('\n')
			if strings.HasPrefix(line, "SSH-") {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read ssh banner from %s: %w", addr, err)
			}
		}
		return fmt.Errorf("no ssh banner from %s", addr)
	}
}
