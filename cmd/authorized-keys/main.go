// Command authorized-keys is the sshd AuthorizedKeysCommand helper. It asks
// the local accounts proxy for a user's keys and prints them one per line.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/yansir/accounts-proxy/internal/config"
	"github.com/yansir/accounts-proxy/internal/proxyclient"
)

// The keys command always reaches the upstream API, so it gets a longer
// timeout than cache-only lookups.
const keysTimeout = 5 * time.Second

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: authorized-keys <username>")
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg := config.Load()

	lines, err := proxyclient.Lookup(cfg.SocketPath, "get_authorized_keys "+os.Args[1], keysTimeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}
