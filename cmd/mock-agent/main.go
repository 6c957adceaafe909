// mock-agent runs an in-memory SSH agent on a unix socket for testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nikicat/git-sentry/internal/testutil"
	"golang.org/x/crypto/ssh"
)

func main() {
	var (
		socket = flag.String("socket", "", "Socket path to listen on (required)")
		keys   = flag.Int("keys", 1, "Number of ed25519 keys to generate")
	)
	flag.Parse()

	if *socket == "" {
		fmt.Fprintln(os.Stderr, "error: --socket is required")
		flag.Usage()
		os.Exit(1)
	}

	mock, err := testutil.NewMockAgent(*socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer mock.Close()

	for i := range *keys {
		pub, err := mock.AddEd25519Key(fmt.Sprintf("mock-key-%d", i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %s\n", pub.Type(), ssh.FingerprintSHA256(pub))
	}

	fmt.Printf("Mock agent listening on %s. Press Ctrl+C to exit.\n", *socket)
	fmt.Printf("export SSH_AUTH_SOCK=%s\n", *socket)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("Shutting down...")
	fmt.Printf("Served: %v\n", mock.Calls())
}
