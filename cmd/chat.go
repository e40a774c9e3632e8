package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	peerchat "github.com/NeboLoop/peerchat-go-sdk"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		peer          int64
		notifications string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a peer; one message per input line",
		Long:  "chat opens the live channel for --user, shows the conversation with --peer and sends every input line. Lines are sent over the REST API while the channel is down. Messages from other users are shown as notifications.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := wireApp(cmd, opts)
			if err != nil {
				return err
			}
			perm, err := peerchat.ParsePermission(notifications)
			if err != nil {
				return err
			}
			return runChat(cmd, app, peerchat.Identity(peer), perm)
		},
	}

	cmd.Flags().Int64Var(&peer, "peer", 0, "Peer user ID")
	cmd.Flags().StringVar(&notifications, "notifications", "granted", "Notification permission: granted, denied or default")
	_ = cmd.MarkFlagRequired("peer")

	return cmd
}

func runChat(cmd *cobra.Command, app *app, peer peerchat.Identity, perm peerchat.Permission) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &lockedWriter{w: cmd.OutOrStdout()}
	local := app.user

	session := peerchat.NewSession(app.cfg,
		peerchat.WithHistory(app.api),
		peerchat.WithFallback(app.api),
		peerchat.WithLogger(app.logger),
		peerchat.WithNotifier(terminalNotifier{w: out}, peerchat.PermissionFunc(func() peerchat.Permission { return perm })),
		peerchat.WithHooks(peerchat.Hooks{
			OnState: func(s peerchat.ChannelState) {
				fmt.Fprintf(out, "* channel %s\n", s)
			},
			OnMessage: func(p peerchat.Identity, m peerchat.Message, outcome peerchat.RoutingOutcome) {
				if p == peer && outcome == peerchat.AppendedToActive && !m.Pending() {
					writeMessage(out, m, local)
				}
			},
			OnTimeline: func(p peerchat.Identity, tl []peerchat.Message) {
				if p == peer {
					writeHistory(out, tl, local)
				}
			},
			OnError: func(err error) {
				fmt.Fprintf(out, "! %v\n", err)
			},
		}),
	)

	if err := session.Start(local); err != nil {
		return err
	}
	defer session.Stop()
	if err := session.SelectPeer(peer); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := send(ctx, session, line); err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

// send prefers the channel and falls back to the REST API when the channel
// cannot take the message.
func send(ctx context.Context, s *peerchat.Session, line string) error {
	_, err := s.SendToSelected(line)
	if !errors.Is(err, peerchat.ErrInvalidState) {
		return err
	}
	_, err = s.SendViaHTTP(ctx, line)
	return err
}

type terminalNotifier struct {
	w io.Writer
}

func (n terminalNotifier) Notify(note peerchat.Notification) error {
	if note.Body == "" {
		_, err := fmt.Fprintf(n.w, "[%s]\n", note.Title)
		return err
	}
	_, err := fmt.Fprintf(n.w, "[%s] %s\n", note.Title, note.Body)
	return err
}

// lockedWriter serialises output from session hooks and the input loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func writeMessage(w io.Writer, m peerchat.Message, local peerchat.Identity) {
	writeLine(w, m.Timestamp, m.SenderID, local, m.Content)
}

func writeLine(w io.Writer, ts time.Time, sender, local peerchat.Identity, content string) {
	who := sender.String()
	if sender == local {
		who = "me"
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", ts.Local().Format("15:04"), who, content)
}
