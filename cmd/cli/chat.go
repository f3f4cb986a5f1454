package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ndvanh/vaultchat/internal/client"
	"github.com/ndvanh/vaultchat/internal/crypto/e2e"
	"github.com/ndvanh/vaultchat/internal/wire"
)

// runChat is the interactive loop: stdin lines go out encrypted, incoming
// messages print as they arrive. "/quit" leaves.
func runChat(server, peer string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := connect(ctx, server, client.Handlers{
		OnMessage: func(m client.Message) {
			if m.DecryptErr != nil {
				fmt.Printf("\r[%s] <%s> UNREADABLE: %v\n> ", stamp(m.Timestamp), m.From, m.DecryptErr)
				return
			}
			fmt.Printf("\r[%s] <%s> %s\n> ", stamp(m.Timestamp), m.From, m.Plaintext)
		},
		OnAck: func(a wire.DMAck) {
			fmt.Printf("\r  (delivered to server: %s)\n> ", a.MessageID[:8])
		},
		OnSendError: func(e wire.DMError) {
			fmt.Printf("\r  SEND FAILED: %s\n> ", e.Error)
		},
		OnTyping: func(from string, active bool) {
			if from != peer {
				return
			}
			if active {
				fmt.Printf("\r  %s is typing...\n> ", peer)
			}
		},
		OnDisconnect: func(err error) {
			fmt.Fprintf(os.Stderr, "\rdisconnected: %v\n", err)
			os.Exit(1)
		},
	})
	if err != nil {
		fail(err)
	}
	defer d.session.Close()

	d.waitRoster(3 * time.Second)
	if err := d.ensureKey(ctx, peer); err != nil {
		fail(err)
	}

	fp := d.session.Keys().FingerprintFor(peer)
	fmt.Printf("chatting with %s\nkey fingerprint: %s\n", peer, fp)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		default:
			d.session.Typing(peer)
			if _, err := d.session.Send(peer, []byte(line)); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
		fmt.Print("> ")
	}
}

func stamp(t time.Time) string { return t.Local().Format("15:04:05") }

// cmdFingerprint prints a key fingerprint for out-of-band verification.
func cmdFingerprint(ctx context.Context, server, peer string) {
	if peer == "" {
		id, err := client.LoadOrCreateIdentity(identityPath())
		if err != nil {
			fail(err)
		}
		jwk, err := id.PublicJWK()
		if err != nil {
			fail(err)
		}
		fp, err := e2e.Fingerprint(jwk)
		if err != nil {
			fail(err)
		}
		fmt.Println(fp)
		return
	}

	tf, err := loadToken()
	if err != nil {
		fail(err)
	}
	jwk, err := client.NewRestClient(server).FetchKey(ctx, tf.AccessToken, peer)
	if err != nil {
		fail(err)
	}
	fp, err := e2e.Fingerprint(jwk)
	if err != nil {
		fail(err)
	}
	fmt.Println(fp)
}
