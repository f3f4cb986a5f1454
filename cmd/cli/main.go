// Command vc is a CLI client for the vaultchat service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ndvanh/vaultchat/internal/client"
	"github.com/ndvanh/vaultchat/internal/errs"
	"github.com/ndvanh/vaultchat/internal/model"
	"github.com/ndvanh/vaultchat/internal/wire"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Username    string    `json:"username"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "vaultchat")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vaultchat")
}

func tokenPath() string    { return filepath.Join(cfgDir(), "token.json") }
func identityPath() string { return filepath.Join(cfgDir(), "identity.jwk") }

func saveToken(tok, username string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.Create(tokenPath())
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp, Username: username})
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid token (login required)")
	}
	return tf, nil
}

// ---- utils ----

func wsURL(httpBase string) string {
	switch {
	case strings.HasPrefix(httpBase, "https://"):
		return "wss://" + strings.TrimPrefix(httpBase, "https://") + "/ws"
	case strings.HasPrefix(httpBase, "http://"):
		return "ws://" + strings.TrimPrefix(httpBase, "http://") + "/ws"
	}
	return httpBase + "/ws"
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage() {
	fmt.Fprintf(os.Stderr, `vc CLI
Usage:
  vc -server URL <cmd> [args]

Commands:
  version
  register     -u <username> -p <password>         (saves token)
  login        -u <username> -p <password>         (saves token)
  send         -to <user> -msg <text>
  chat         -with <user>                        (interactive)
  history      -with <user> [-n 50]
  contacts
  add-contact  -u <user> [-nick <name>]
  fingerprint  [-u <user>]                         (own key if no -u)
`)
	os.Exit(2)
}

// ---- session plumbing ----

// dialer bundles everything a connected command needs.
type dialer struct {
	rest    *client.RestClient
	session *client.Session
	token   tokenFile
	rosters chan struct{}
}

func connect(ctx context.Context, server string, h client.Handlers) (*dialer, error) {
	tf, err := loadToken()
	if err != nil {
		return nil, err
	}
	id, err := client.LoadOrCreateIdentity(identityPath())
	if err != nil {
		return nil, err
	}

	d := &dialer{rest: client.NewRestClient(server), token: tf, rosters: make(chan struct{}, 1)}

	onRoster := h.OnRoster
	h.OnRoster = func(online []string) {
		select {
		case d.rosters <- struct{}{}:
		default:
		}
		if onRoster != nil {
			onRoster(online)
		}
	}
	h.OnKeyChange = func(users []string) {
		for _, u := range users {
			fmt.Fprintf(os.Stderr, "WARNING: public key for %s has CHANGED; verify fingerprints out of band\n", u)
		}
	}

	d.session = client.NewSession(client.Config{
		URL:       wsURL(server),
		Token:     tf.AccessToken,
		Username:  tf.Username,
		Transport: client.DefaultTransport(),
	}, id, h)

	if err := d.session.Dial(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// waitRoster blocks until the first presence broadcast so the key cache is
// primed before sending.
func (d *dialer) waitRoster(timeout time.Duration) {
	select {
	case <-d.rosters:
	case <-time.After(timeout):
	}
}

// ensureKey makes sure a peer key is cached, falling back to the HTTP key
// endpoint for offline peers.
func (d *dialer) ensureKey(ctx context.Context, peer string) error {
	if d.session.Keys().Has(peer) {
		return nil
	}
	jwk, err := d.rest.FetchKey(ctx, d.token.AccessToken, peer)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("%s has never announced a key: %w", peer, errs.ErrKeyUnavailable)
		}
		return err
	}
	return d.session.ImportPeerKey(peer, jwk)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands.
func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {

	case "version":
		fmt.Printf("vc %s (%s)\n", version, buildDate)

	case "register", "login":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		u := fs.String("u", "", "username")
		p := fs.String("p", "", "password")
		_ = fs.Parse(flag.Args()[1:])
		if *u == "" || *p == "" {
			fmt.Fprintln(os.Stderr, "need -u and -p")
			os.Exit(1)
		}

		rest := client.NewRestClient(*server)
		var info client.TokenInfo
		var err error
		if cmd == "register" {
			info, err = rest.Register(ctx, *u, *p)
		} else {
			info, err = rest.Login(ctx, *u, *p)
		}
		if err != nil {
			fail(err)
		}
		if err := saveToken(info.Token, info.Username, info.ExpiresAt); err != nil {
			fail(err)
		}
		// make sure an identity exists so the first join announces a key
		if _, err := client.LoadOrCreateIdentity(identityPath()); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "send":
		fs := flag.NewFlagSet("send", flag.ExitOnError)
		to := fs.String("to", "", "recipient username")
		msg := fs.String("msg", "", "message text")
		_ = fs.Parse(flag.Args()[1:])
		if *to == "" || *msg == "" {
			fmt.Fprintln(os.Stderr, "need -to and -msg")
			os.Exit(1)
		}

		acks := make(chan wire.DMAck, 1)
		sendErrs := make(chan wire.DMError, 1)
		d, err := connect(ctx, *server, client.Handlers{
			OnAck:       func(a wire.DMAck) { acks <- a },
			OnSendError: func(e wire.DMError) { sendErrs <- e },
		})
		if err != nil {
			fail(err)
		}
		defer d.session.Close()

		d.waitRoster(3 * time.Second)
		if err := d.ensureKey(ctx, *to); err != nil {
			fail(err)
		}
		msgID, err := d.session.Send(*to, []byte(*msg))
		if err != nil {
			fail(err)
		}

		select {
		case ack := <-acks:
			fmt.Printf("sent %s (stored at %s)\n", ack.MessageID, time.UnixMilli(ack.Timestamp).Format(time.RFC3339))
		case e := <-sendErrs:
			fail(fmt.Errorf("send %s rejected: %s", msgID, e.Error))
		case <-ctx.Done():
			fail(errors.New("timed out waiting for ack"))
		}

	case "chat":
		fs := flag.NewFlagSet("chat", flag.ExitOnError)
		with := fs.String("with", "", "peer username")
		_ = fs.Parse(flag.Args()[1:])
		if *with == "" {
			fmt.Fprintln(os.Stderr, "need -with")
			os.Exit(1)
		}
		runChat(*server, *with)

	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		with := fs.String("with", "", "peer username")
		n := fs.Int("n", 50, "message count")
		_ = fs.Parse(flag.Args()[1:])
		if *with == "" {
			fmt.Fprintln(os.Stderr, "need -with")
			os.Exit(1)
		}

		histories := make(chan wire.History, 1)
		d, err := connect(ctx, *server, client.Handlers{
			OnHistory: func(h wire.History) { histories <- h },
		})
		if err != nil {
			fail(err)
		}
		defer d.session.Close()

		if err := d.session.RequestHistory(*with, *n); err != nil {
			fail(err)
		}
		select {
		case h := <-histories:
			type row struct{ ID, From, To, At, Status string }
			rows := make([]row, 0, len(h.Messages))
			for _, m := range h.Messages {
				rows = append(rows, row{
					ID: m.MessageID, From: m.From, To: m.To,
					At:     time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339),
					Status: m.Status,
				})
			}
			printJSON(rows)
		case <-ctx.Done():
			fail(errors.New("timed out waiting for history"))
		}

	case "contacts":
		contactLists := make(chan []model.Contact, 1)
		d, err := connect(ctx, *server, client.Handlers{
			OnContacts: func(cs []model.Contact) { contactLists <- cs },
		})
		if err != nil {
			fail(err)
		}
		defer d.session.Close()

		if err := d.session.RequestContacts(); err != nil {
			fail(err)
		}
		select {
		case cs := <-contactLists:
			printJSON(cs)
		case <-ctx.Done():
			fail(errors.New("timed out waiting for contacts"))
		}

	case "add-contact":
		fs := flag.NewFlagSet("add-contact", flag.ExitOnError)
		u := fs.String("u", "", "contact username")
		nick := fs.String("nick", "", "nickname")
		_ = fs.Parse(flag.Args()[1:])
		if *u == "" {
			fmt.Fprintln(os.Stderr, "need -u")
			os.Exit(1)
		}

		added := make(chan model.Contact, 1)
		contactErrs := make(chan string, 1)
		d, err := connect(ctx, *server, client.Handlers{
			OnContactAdded: func(c model.Contact) { added <- c },
			OnContactError: func(msg string) { contactErrs <- msg },
		})
		if err != nil {
			fail(err)
		}
		defer d.session.Close()

		if err := d.session.AddContact(*u, *nick); err != nil {
			fail(err)
		}
		select {
		case c := <-added:
			printJSON(c)
		case msg := <-contactErrs:
			fail(errors.New(msg))
		case <-ctx.Done():
			fail(errors.New("timed out waiting for contact"))
		}

	case "fingerprint":
		fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
		u := fs.String("u", "", "peer username (own key if empty)")
		_ = fs.Parse(flag.Args()[1:])
		cmdFingerprint(ctx, *server, *u)

	default:
		usage()
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
