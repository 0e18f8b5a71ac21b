// Package proxyclient speaks the accounts proxy line protocol on behalf of
// client tools such as the authorized-keys helper and the NSS shim bridge.
package proxyclient

import (
	"io"
	"net"
	"strings"
	"time"

	"github.com/yansir/accounts-proxy/internal/accounts"
)

// DefaultTimeout suits cache-only commands. Commands that always reach the
// upstream (get_authorized_keys) should pass a larger timeout.
const DefaultTimeout = time.Second

// Lookup sends one command to the proxy at socketPath and returns the body
// lines of a 200 response. A 404 maps to a not-found lookup error; any other
// status, or an unreadable response, maps to a backend lookup error.
func Lookup(socketPath, command string, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, accounts.Backendf(err, "connecting to accounts proxy failed: [%s]", socketPath)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write([]byte(command)); err != nil {
		return nil, accounts.Backendf(err, "sending command failed: [%s]", command)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, accounts.Backendf(err, "reading response failed: [%s]", command)
	}
	if len(data) == 0 {
		return nil, accounts.Backendf(nil, "received no output: [%s]", command)
	}

	lines := strings.Split(string(data), "\n")
	status := lines[0]
	switch status {
	case "200":
		return lines[1:], nil
	case "404":
		return nil, accounts.NotFoundf("unknown user or group: [%s]", command)
	default:
		return nil, accounts.Backendf(nil, "command [%s] failed with code [%s]", command, status)
	}
}
