package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/pollchat"
)

var (
	flagJSON   bool
	flagStream bool
)

func init() {
	for _, c := range []*cobra.Command{usersCmd, messagesCmd, unreadCmd, presenceCmd} {
		c.Flags().BoolVar(&flagJSON, "json", false, "Print raw JSON")
	}
	watchCmd.Flags().BoolVar(&flagStream, "stream", false, "Also listen on the websocket for immediate refreshes")

	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(presenceCmd)
	rootCmd.AddCommand(watchCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users with their last message",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAuthedSession(nil)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		users, err := s.client.Users(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(users)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tLAST MESSAGE\tAT")
		for _, u := range users {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", u.ID, u.Username, u.Preview(), u.PreviewTime())
		}
		return w.Flush()
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <user>",
	Short: "Print the conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAuthedSession(nil)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		me, err := s.client.Me(ctx)
		if err != nil {
			return err
		}
		peer, err := resolveUser(ctx, s.client, args[0])
		if err != nil {
			return err
		}
		msgs, err := s.client.Messages(ctx, peer.ID)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(msgs)
		}
		for _, m := range msgs {
			fmt.Println(formatMessageLine(m, me.ID, peer.Username))
		}
		return nil
	},
}

func formatMessageLine(m pollchat.Message, me pollchat.UserID, peerName string) string {
	stamp := pollchat.FormatTimestamp(m.Timestamp)
	if m.Mine(me) {
		ticks, state := m.Ticks()
		return fmt.Sprintf("[%s] you: %s %s (%s)", stamp, m.Content, ticks, state)
	}
	return fmt.Sprintf("[%s] %s: %s", stamp, peerName, m.Content)
}

var sendCmd = &cobra.Command{
	Use:   "send <user> <message...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAuthedSession(nil)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		text := strings.Join(args[1:], " ")
		if strings.TrimSpace(text) == "" {
			return pollchat.ErrEmptyMessage
		}
		peer, err := resolveUser(ctx, s.client, args[0])
		if err != nil {
			return err
		}

		state, err := s.client.BlockStatus(ctx, peer.ID)
		if err != nil {
			return err
		}
		switch {
		case state.BlockedMe:
			return errors.Wrap(pollchat.ErrBlockedByPeer, peer.Username)
		case state.BlockedByMe:
			return errors.Wrapf(pollchat.ErrBlocked, "unblock %s first", peer.Username)
		}

		msg, err := s.client.SendMessage(ctx, peer.ID, text)
		if err != nil {
			return err
		}
		fmt.Printf("Sent #%d to %s at %s\n", msg.ID, peer.Username, pollchat.FormatTimestamp(msg.Timestamp))
		return nil
	},
}

func blockCommand(use, short, done string, block bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openAuthedSession(nil)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(30 * time.Second)
			defer cancel()

			peer, err := resolveUser(ctx, s.client, args[0])
			if err != nil {
				return err
			}
			if block {
				err = s.client.Block(ctx, peer.ID)
			} else {
				err = s.client.Unblock(ctx, peer.ID)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", done, peer.Username)
			return nil
		},
	}
}

var (
	blockCmd   = blockCommand("block", "Block a user", "Blocked", true)
	unblockCmd = blockCommand("unblock", "Unblock a user", "Unblocked", false)
)

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts per sender",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAuthedSession(nil)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		counts, err := s.client.UnreadCounts(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(counts)
		}
		users, err := s.client.Users(ctx)
		if err != nil {
			return err
		}
		names := make(map[pollchat.UserID]string, len(users))
		for _, u := range users {
			names[u.ID] = u.Username
		}

		if len(counts) == 0 {
			fmt.Println("No unread messages.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tUNREAD")
		for _, c := range counts {
			name := names[c.UserID]
			if name == "" {
				name = fmt.Sprintf("#%d", c.UserID)
			}
			fmt.Fprintf(w, "%s\t%d\n", name, c.Count)
		}
		return w.Flush()
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Show who is online",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAuthedSession(nil)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		records, err := s.client.Presence(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(records)
		}
		users, err := s.client.Users(ctx)
		if err != nil {
			return err
		}

		now := time.Now()
		byID := make(map[pollchat.UserID]pollchat.PresenceRecord, len(records))
		for _, r := range records {
			byID[r.ID] = r
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tSTATUS")
		for _, u := range users {
			rec, ok := byID[u.ID]
			var status string
			if ok {
				status = pollchat.StatusText(pollchat.BlockState{}, &rec, now)
			} else {
				status = pollchat.StatusText(pollchat.BlockState{}, nil, now)
			}
			fmt.Fprintf(w, "%s\t%s\n", u.Username, status)
		}
		return w.Flush()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [user]",
	Short: "Follow the roster, and optionally one conversation, as the engine polls",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAuthedSession(nil)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app := pollchat.NewApp(s.client, s.engineOptions()...)
		defer app.Close()

		app.Events().On(pollchat.EventUnreadUpdated, func(_ string, _ any) {
			for _, e := range app.Sidebar().Entries() {
				if e.Unread > 0 {
					fmt.Printf("%s  %s has %d unread\n", time.Now().Format("15:04:05"), e.User.Username, e.Unread)
				}
			}
		})
		var (
			mu      sync.Mutex
			printed int64
		)
		app.Events().On(pollchat.EventConversationSelected, func(_ string, _ any) {
			mu.Lock()
			printed = 0
			mu.Unlock()
		})
		app.Events().On(pollchat.EventMessagesUpdated, func(_ string, _ any) {
			conv := app.Conversation()
			me := app.Me()
			if conv == nil || me == nil {
				return
			}
			peer := conv.Peer()
			if peer == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, m := range conv.Messages() {
				if m.ID > printed {
					fmt.Println(formatMessageLine(m, me.ID, peer.Username))
					printed = m.ID
				}
			}
		})
		app.Events().On(pollchat.EventBlockUpdated, func(_ string, _ any) {
			if conv := app.Conversation(); conv != nil {
				fmt.Printf("-- %s\n", conv.Status())
			}
		})
		app.Events().On(pollchat.EventSessionLogout, func(_ string, _ any) {
			fmt.Println("Session ended; log in again.")
			stop()
		})

		if err := app.Start(ctx); err != nil {
			return err
		}
		if len(args) == 1 {
			u, ok := app.Sidebar().Roster.FindByName(args[0])
			if !ok {
				return errors.Errorf("no user %q", args[0])
			}
			if err := app.SelectUser(ctx, &u); err != nil {
				return err
			}
		}
		if flagStream {
			if err := app.AttachStream(ctx, pollchat.StreamConfig{AutoReconnect: true, Logger: s.logger}); err != nil {
				s.logger.Warn().Err(err).Msg("stream unavailable, polling only")
			}
		}

		<-ctx.Done()
		return nil
	},
}
