package main

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"matchtalk/pkg/client"
	"matchtalk/pkg/consumer"
	"matchtalk/pkg/conversation"
	"matchtalk/pkg/delivery"
	"matchtalk/pkg/message"
	"matchtalk/pkg/timeline"
)

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		to       string
		attempts int
	)

	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message",
		Long:  "Sends one message, retrying transient failures. The text is taken from the arguments.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, log, err := opts.apiClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			p := delivery.NewPipeline(api, nil, delivery.Options{
				Attempts: attempts,
				Log:      log,
				OnAttemptFailed: func(_ message.Message, attempt int, err error, next time.Duration) {
					fmt.Fprintf(cmd.ErrOrStderr(), "attempt %d failed: %v (retrying in %s)\n", attempt, err, next)
				},
			})
			defer p.Close()

			stored, err := p.Send(cmd.Context(), message.Message{
				ConversationID: conversation.ID(opts.user, to),
				FromUserID:     opts.user,
				ToUserID:       to,
				Text:           strings.Join(args, " "),
				ClientTempID:   "cli-" + uuid.NewString(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Sent message %s to %s\n", stored.ID, to)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "recipient user id (required)")
	cmd.Flags().IntVar(&attempts, "attempts", delivery.DefaultAttempts, "send attempts before giving up")
	cmd.MarkFlagRequired("to")
	return cmd
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		with   string
		limit  int
		before int64
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print a page of a conversation",
		Long:  "Prints up to --limit messages older than --before (epoch ms), oldest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := opts.apiClient()
			if err != nil {
				return err
			}
			msgs, err := api.Page(cmd.Context(), conversation.ID(opts.user, with), before, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintf(out, "No messages with %s\n", with)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFROM\tCREATED\tREAD\tTEXT")
			for _, m := range msgs {
				read := "-"
				if m.IsRead() {
					read = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.ID, m.FromUserID, m.CreatedAt, read, m.Text)
			}
			w.Flush()
			if len(msgs) == limit {
				fmt.Fprintf(out, "older: --before %d\n", msgs[0].CreatedAt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&with, "with", "", "other participant (required)")
	cmd.Flags().IntVar(&limit, "limit", timeline.PageSize, "page size")
	cmd.Flags().Int64Var(&before, "before", 0, "exclusive createdAt cursor in epoch ms")
	cmd.MarkFlagRequired("with")
	return cmd
}

func newTailCmd(opts *globalOptions) *cobra.Command {
	var (
		with      string
		transport string
		markRead  bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a conversation live",
		Long:  "Prints the latest page and then every new message, typing change and read receipt until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, log, err := opts.apiClient()
			if err != nil {
				return err
			}
			var tr consumer.Transport
			switch transport {
			case "sse":
				tr = api.SSE()
			case "ws":
				tr = api.WebSocket()
			default:
				return fmt.Errorf("unknown transport %q (want sse or ws)", transport)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conv, err := client.Open(ctx, api, client.ConversationOptions{
				ConversationID: conversation.ID(opts.user, with),
				UserID:         opts.user,
				Transport:      tr,
				Log:            log,
			})
			if err != nil {
				return err
			}
			defer conv.Close()

			out := cmd.OutOrStdout()
			p := &tailPrinter{out: out, seen: map[string]bool{}}
			p.printNew(conv.Messages())
			typing := false
			for {
				select {
				case <-ctx.Done():
					return nil
				case u, ok := <-conv.Updates():
					if !ok {
						return nil
					}
					switch u.Kind {
					case client.UpdateState:
						p.printState(u)
						if u.State == consumer.StateFailed {
							return u.Err
						}
					case client.UpdateMessages:
						if p.printNew(conv.Messages()) && markRead {
							if err := conv.MarkRead(ctx); err != nil {
								fmt.Fprintf(cmd.ErrOrStderr(), "mark read: %v\n", err)
							}
						}
					case client.UpdateTyping:
						if now := conv.PeerTyping(); now != typing {
							typing = now
							if typing {
								fmt.Fprintf(out, "* %s is typing\n", conv.PeerID())
							}
						}
					case client.UpdateRead:
						fmt.Fprintf(out, "* %s read up to %d\n", conv.PeerID(), conv.PeerReadAt())
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&with, "with", "", "other participant (required)")
	cmd.Flags().StringVar(&transport, "transport", "sse", "push transport: sse or ws")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark incoming messages read as they arrive")
	cmd.MarkFlagRequired("with")
	return cmd
}

type tailPrinter struct {
	out  io.Writer
	seen map[string]bool
}

// printNew prints confirmed messages not printed yet and reports whether any
// were found.
func (p *tailPrinter) printNew(entries []timeline.Entry) bool {
	printed := false
	for _, e := range entries {
		if !e.Confirmed() || p.seen[e.ID] {
			continue
		}
		p.seen[e.ID] = true
		printed = true
		ts := message.Time(e.CreatedAt).Format("15:04:05")
		fmt.Fprintf(p.out, "[%s] %s: %s\n", ts, e.FromUserID, e.Text)
	}
	return printed
}

func (p *tailPrinter) printState(u client.Update) {
	switch u.State {
	case consumer.StateDisconnected:
		fmt.Fprintf(p.out, "* disconnected (%v), reconnect %d in %s\n", u.Err, u.Attempt, u.Delay)
	case consumer.StateFailed:
		fmt.Fprintf(p.out, "* gave up: %v\n", u.Err)
	case consumer.StateConnected:
		fmt.Fprintln(p.out, "* connected")
	}
}
