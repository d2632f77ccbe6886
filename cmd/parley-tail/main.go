// ABOUTME: parley-tail is a terminal client for parley-gateway
// ABOUTME: Prints the inbox, follows a conversation live, sends messages and starts conversations

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/2389/parley-gateway/internal/client"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/events"
	"github.com/2389/parley-gateway/internal/store"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp(os.Stdout).Run(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// tail holds what every subcommand needs.
type tail struct {
	api      *client.API
	token    string
	viewerID string
	email    string
	grpcAddr string
	logger   *slog.Logger
	out      io.Writer
}

func newApp(out io.Writer) *cli.Command {
	t := &tail{out: out}
	return &cli.Command{
		Name:    "parley-tail",
		Usage:   "Follow parley conversations from a terminal",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://127.0.0.1:8080", Sources: cli.EnvVars("PARLEY_URL")},
			&cli.StringFlag{Name: "token", Sources: cli.EnvVars("PARLEY_TOKEN"), Required: true},
			&cli.StringFlag{Name: "email", Usage: "your email, for the personal channel", Sources: cli.EnvVars("PARLEY_EMAIL")},
			&cli.StringFlag{Name: "grpc", Usage: "gateway gRPC address; stream events over gRPC instead of WebSocket", Sources: cli.EnvVars("PARLEY_GRPC")},
			&cli.BoolFlag{Name: "debug"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, t.setup(cmd)
		},
		Action: t.runInbox,
		Commands: []*cli.Command{
			{Name: "inbox", Usage: "Show conversations and keep them updated", Action: t.runInbox},
			{
				Name:   "follow",
				Usage:  "Follow one conversation live",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "conversation", Required: true}},
				Action: t.runFollow,
			},
			{
				Name:  "send",
				Usage: "Send a message",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "conversation", Required: true},
					&cli.StringFlag{Name: "image"},
					&cli.StringFlag{Name: "idempotency-key", Usage: "defaults to a random key"},
				},
				Action: t.runSend,
			},
			{
				Name:  "start",
				Usage: "Start a one-to-one (--user) or group (--name, --member...) conversation",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user"},
					&cli.StringFlag{Name: "name"},
					&cli.StringSliceFlag{Name: "member"},
				},
				Action: t.runStart,
			},
		},
	}
}

func (t *tail) setup(cmd *cli.Command) error {
	level := slog.LevelWarn
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	t.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	t.token = cmd.String("token")
	t.email = cmd.String("email")
	t.grpcAddr = cmd.String("grpc")
	viewerID, err := subjectOf(t.token)
	if err != nil {
		return err
	}
	t.viewerID = viewerID
	t.api = client.NewAPI(cmd.String("url"), t.token, nil)
	return nil
}

// subjectOf reads the user id from a token without verifying it; the server does that.
func subjectOf(token string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// liveConn is the realtime connection: WebSocket by default, gRPC with --grpc.
type liveConn interface {
	client.Transport
	Done() <-chan struct{}
	Err() error
	Close() error
}

func (t *tail) dial(ctx context.Context) (liveConn, error) {
	if t.grpcAddr != "" {
		return client.DialGRPC(t.grpcAddr, t.token, t.logger)
	}
	url, err := t.api.RealtimeURL()
	if err != nil {
		return nil, err
	}
	return client.DialWebSocket(ctx, url, t.token, t.logger)
}

// markSeen goes over gRPC when that is the live connection, else over HTTP.
func (t *tail) markSeen(ctx context.Context, conn liveConn, conversationID string) {
	var err error
	if g, ok := conn.(*client.GRPCTransport); ok {
		_, err = g.MarkSeen(ctx, conversationID)
	} else {
		_, err = t.api.MarkSeen(ctx, conversationID)
	}
	if err != nil {
		t.logger.Warn("mark seen failed", "conversation_id", conversationID, "error", err)
	}
}

// resolveEmail finds the viewer's email in the hydrated member lists when
// --email was not given.
func (t *tail) resolveEmail(convs []*store.Conversation) string {
	if t.email != "" {
		return t.email
	}
	for _, c := range convs {
		for _, u := range c.Users {
			if u.ID == t.viewerID {
				return u.Email
			}
		}
	}
	return ""
}

func (t *tail) runInbox(ctx context.Context, _ *cli.Command) error {
	convs, err := t.api.ListConversations(ctx)
	if err != nil {
		return err
	}
	inbox := client.NewInbox(t.viewerID, convs)
	t.printInbox(inbox)

	email := t.resolveEmail(convs)
	if email == "" {
		return errors.New("cannot determine your email; pass --email to follow the inbox")
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	seen := dedupe.NewSeen(client.DefaultDedupeTTL, 10000)
	defer seen.Close()

	return client.Follow(ctx, conn, events.UserChannel(email), seen, t.logger, func(ev *events.Event) {
		changed, err := inbox.Apply(ev)
		if err != nil {
			t.logger.Warn("ignoring malformed event", "event", ev.Name, "error", err)
			return
		}
		if changed {
			t.printInbox(inbox)
		}
	})
}

func (t *tail) printInbox(inbox *client.Inbox) {
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	fmt.Fprintln(t.out)
	for _, s := range inbox.Summaries() {
		marker := "  "
		if s.Unseen {
			marker = color.GreenString("● ")
		}
		title := s.Name
		if title == "" {
			title = s.ConversationID
		}
		fmt.Fprint(t.out, marker)
		bold.Fprint(t.out, title)
		gray.Fprintf(t.out, "  %s\n", s.LastMessageAt.Local().Format(time.Kitchen))
		if s.Preview != "" {
			fmt.Fprintf(t.out, "    %s\n", s.Preview)
		}
	}
}

func (t *tail) runFollow(ctx context.Context, cmd *cli.Command) error {
	convID := cmd.String("conversation")

	history, err := t.api.ListMessages(ctx, convID)
	if err != nil {
		return err
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	seenRequests := make(chan string, 1)
	session := client.NewSession(conn, t.viewerID, client.SessionOptions{
		OnChange: func(_ string, msgs []*store.Message) {
			t.printTimeline(msgs)
		},
		MarkSeen: func(id string) {
			select {
			case seenRequests <- id:
			default:
			}
		},
		Logger: t.logger,
	})
	defer session.Close()

	if err := session.Open(ctx, convID, history); err != nil {
		return err
	}
	t.printTimeline(session.Messages())
	t.markSeen(ctx, conn, convID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-conn.Done():
			return conn.Err()
		case id := <-seenRequests:
			t.markSeen(ctx, conn, id)
		}
	}
}

func (t *tail) printTimeline(msgs []*store.Message) {
	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)

	fmt.Fprintln(t.out)
	for _, m := range msgs {
		who := m.SenderID
		if who == t.viewerID {
			who = "you"
		}
		gray.Fprintf(t.out, "%s ", m.CreatedAt.Local().Format(time.Kitchen))
		cyan.Fprintf(t.out, "%s: ", who)
		fmt.Fprint(t.out, messageText(m))
		if m.EditedAt != nil {
			gray.Fprint(t.out, " (edited)")
		}
		if len(m.SeenIDs) > 1 || (len(m.SeenIDs) == 1 && m.SeenIDs[0] != t.viewerID) {
			gray.Fprintf(t.out, " ✓%d", len(m.SeenIDs))
		}
		fmt.Fprintln(t.out)
	}
}

func messageText(m *store.Message) string {
	var parts []string
	if m.Body != nil && *m.Body != "" {
		parts = append(parts, *m.Body)
	}
	if m.Image != nil && *m.Image != "" {
		parts = append(parts, "[image "+*m.Image+"]")
	}
	return strings.Join(parts, " ")
}

func (t *tail) runSend(ctx context.Context, cmd *cli.Command) error {
	body := strings.Join(cmd.Args().Slice(), " ")
	msg := client.NewMessage{ConversationID: cmd.String("conversation")}
	if body != "" {
		msg.Body = &body
	}
	if image := cmd.String("image"); image != "" {
		msg.Image = &image
	}

	key := cmd.String("idempotency-key")
	if key == "" {
		key = uuid.NewString()
	}
	created, err := t.api.CreateMessage(ctx, msg, key)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.out, created.ID)
	return nil
}

func (t *tail) runStart(ctx context.Context, cmd *cli.Command) error {
	req := client.NewConversation{UserID: cmd.String("user")}
	if members := cmd.StringSlice("member"); len(members) > 0 {
		req = client.NewConversation{IsGroup: true, Name: cmd.String("name"), Members: members}
	}
	conv, err := t.api.StartConversation(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.out, conv.ID)
	return nil
}
