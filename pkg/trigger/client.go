package trigger

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
)

// Send writes one trigger to addr and waits for the acknowledgement.
func Send(ctx context.Context, addr, msg string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if msg == "" {
		msg = "capture"
	}
	if _, err := conn.Write([]byte(msg)); err != nil {
		return "", err
	}
	ack, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("no acknowledgement from %s: %w", addr, err)
	}
	return strings.TrimSpace(ack), nil
}
