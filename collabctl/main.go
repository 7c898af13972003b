package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/bringyour/collab/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab control.

Environment variables (also read from .env):
    COLLAB_RELAY_URL
    COLLAB_API_URL
    COLLAB_JWT

Usage:
    collabctl tail --session_id=<session_id>
        [--relay_url=<relay_url>]
        [--jwt=<jwt>]
    collabctl touch --session_id=<session_id>
        [--relay_url=<relay_url>]
        [--jwt=<jwt>]
        [<content>]
    collabctl save --session_id=<session_id>
        [--api_url=<api_url>]
        [--jwt=<jwt>]
        [<content>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --session_id=<session_id>  Collaboration session id.
    --relay_url=<relay_url>    Relay websocket url.
    --api_url=<api_url>        Persistence api url.
    --jwt=<jwt>                Your relay JWT.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	godotenv.Load()

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if touch_, _ := opts.Bool("touch"); touch_ {
		touch(opts)
	} else if save_, _ := opts.Bool("save"); save_ {
		save(opts)
	}
}

func tail(opts docopt.Opts) {
	session := openGroupSession(opts)
	defer session.Close()

	session.AddConnectionStatusCallback(func(status collab.ConnectionStatus) {
		Out.Printf("status: %s", status)
	})
	session.Projector().SubscribeBlocks(func(blocks []*collab.Block) {
		Out.Printf("blocks (%d):", len(blocks))
		for _, block := range blocks {
			Out.Printf("  [%d] %s: %s", block.Id, block.Type, block.Content)
		}
	})
	session.PresenceTable().AddChangeCallback(func() {
		active := session.PresenceTable().ActiveCollaborators()
		Out.Printf("collaborators (%d active):", len(active))
		for _, presence := range active {
			Out.Printf("  %s %s", presence.UserId, presence.ActiveComponent)
		}
	})

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
}

func touch(opts docopt.Opts) {
	session := openGroupSession(opts)
	defer session.Close()

	content, _ := opts.String("<content>")
	if content == "" {
		content = fmt.Sprintf("touched at %s", time.Now().Format(time.RFC3339))
	}

	// wait for the initial sync before editing
	connected := make(chan struct{})
	unsub := session.AddConnectionStatusCallback(func(status collab.ConnectionStatus) {
		if status == collab.ConnectionConnected {
			select {
			case <-connected:
			default:
				close(connected)
			}
		}
	})
	defer unsub()
	select {
	case <-connected:
	case <-time.After(15 * time.Second):
		Err.Printf("connect timeout")
		return
	}

	block := &collab.Block{
		Id:      collab.NewBlockId(),
		Type:    collab.BlockText,
		Content: content,
	}
	session.AppendBlock(block)
	Out.Printf("appended block %d", block.Id)

	// let the delta drain
	time.Sleep(1 * time.Second)
}

func save(opts docopt.Opts) {
	sessionId, _ := opts.String("--session_id")
	apiUrl, _ := opts.String("--api_url")
	if apiUrl == "" {
		apiUrl = os.Getenv("COLLAB_API_URL")
	}
	session, err := collab.NewSessionWithDefaults(context.Background(), &collab.SessionOptions{
		SessionId: sessionId,
		Mode:      collab.SessionModeSolo,
		ApiUrl:    apiUrl,
		Token:     jwtFromOptsOrPrompt(opts),
	})
	if err != nil {
		Err.Fatalf("session error = %s", err)
	}
	defer session.Close()

	content, _ := opts.String("<content>")
	block := &collab.Block{
		Id:      collab.NewBlockId(),
		Type:    collab.BlockText,
		Content: content,
	}
	session.AppendBlock(block)
	session.SaveNow()
	Out.Printf("saved block %d, status=%s", block.Id, session.ChangeTracker().Status())
}

func openGroupSession(opts docopt.Opts) *collab.Session {
	sessionId, _ := opts.String("--session_id")
	relayUrl, _ := opts.String("--relay_url")
	if relayUrl == "" {
		relayUrl = os.Getenv("COLLAB_RELAY_URL")
	}
	session, err := collab.NewSessionWithDefaults(context.Background(), &collab.SessionOptions{
		SessionId: sessionId,
		Mode:      collab.SessionModeGroup,
		RelayUrl:  relayUrl,
		Token:     jwtFromOptsOrPrompt(opts),
	})
	if err != nil {
		Err.Fatalf("session error = %s", err)
	}
	return session
}

func jwtFromOptsOrPrompt(opts docopt.Opts) string {
	jwt, _ := opts.String("--jwt")
	if jwt != "" {
		return jwt
	}
	if jwt = os.Getenv("COLLAB_JWT"); jwt != "" {
		return jwt
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "jwt: ")
		jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err == nil {
			return string(jwtBytes)
		}
	}
	return ""
}
