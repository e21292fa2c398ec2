package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type statusView struct {
	State   string `json:"state"`
	Profile string `json:"profile"`
}

type chatView struct {
	ChatID      string `json:"chat_id"`
	Preview     string `json:"preview"`
	LastAt      int64  `json:"last_message_at"`
	UnreadCount int    `json:"unread_count"`
}

type messageView struct {
	Key           string `json:"key"`
	ChatID        string `json:"chat_id"`
	LocalID       string `json:"local_id"`
	ServerID      string `json:"server_id"`
	SenderID      string `json:"sender_id"`
	Body          string `json:"body"`
	Kind          string `json:"kind"`
	DeliveryState string `json:"delivery_state"`
	Synced        bool   `json:"synced"`
	SortTs        int64  `json:"sort_ts"`
}

type searchView struct {
	Message messageView `json:"message"`
	Snippet string      `json:"snippet"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var st statusView
			if err := c.getJSON("/v1/status", &st); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			fmt.Printf("Profile: %s\n", st.Profile)
			fmt.Printf("State:   %s\n", st.State)
			return nil
		},
	}
}

func chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List chats",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var chats []chatView
			if err := c.getJSON("/v1/chats", &chats); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(chats)
				return nil
			}
			if len(chats) == 0 {
				fmt.Println("No chats.")
				return nil
			}
			for _, ch := range chats {
				unread := ""
				if ch.UnreadCount > 0 {
					unread = fmt.Sprintf(" (%d unread)", ch.UnreadCount)
				}
				fmt.Printf("%-24s %s  %s%s\n", ch.ChatID,
					time.UnixMilli(ch.LastAt).Format("2006-01-02 15:04"), ch.Preview, unread)
			}
			return nil
		},
	}
}

func messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <chat>",
		Short: "List a chat's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var msgs []messageView
			if err := c.getJSON("/v1/chats/"+url.PathEscape(args[0])+"/messages", &msgs); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(msgs)
				return nil
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var kind, mediaPath string
	var duration int
	cmd := &cobra.Command{
		Use:   "send <chat> [text...]",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]any{
				"content":       strings.Join(args[1:], " "),
				"kind":          kind,
				"media_path":    mediaPath,
				"duration_secs": duration,
			}
			raw, err := c.do(http.MethodPost, "/v1/chats/"+url.PathEscape(args[0])+"/messages", body)
			if err != nil {
				return err
			}
			if jsonFlag {
				fmt.Println(string(raw))
				return nil
			}
			fmt.Println("Queued.")
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "text", "message kind (text, voice, image, video)")
	cmd.Flags().StringVar(&mediaPath, "media", "", "path to a staged media file")
	cmd.Flags().IntVar(&duration, "duration", 0, "media duration in seconds")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <chat> <local-id>",
		Short: "Retry a failed message",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			_, err = c.do(http.MethodPost,
				"/v1/chats/"+url.PathEscape(args[0])+"/messages/"+url.PathEscape(args[1])+"/retry", nil)
			if err != nil {
				return err
			}
			fmt.Println("Retry queued.")
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat> <local-id>",
		Short: "Delete a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			_, err = c.do(http.MethodDelete,
				"/v1/chats/"+url.PathEscape(args[0])+"/messages/"+url.PathEscape(args[1]), nil)
			if err != nil {
				return err
			}
			fmt.Println("Deleted.")
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <chat>",
		Short: "Reconcile a chat against the remote store",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if _, err := c.do(http.MethodPost, "/v1/chats/"+url.PathEscape(args[0])+"/sync", nil); err != nil {
				return err
			}
			fmt.Println("Synced.")
			return nil
		},
	}
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <chat>",
		Short: "Open a chat (sync and follow its live feed)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if _, err := c.do(http.MethodPost, "/v1/chats/"+url.PathEscape(args[0])+"/open", nil); err != nil {
				return err
			}
			fmt.Println("Opened.")
			return nil
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <chat>",
		Short: "Stop following a chat's live feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if _, err := c.do(http.MethodPost, "/v1/chats/"+url.PathEscape(args[0])+"/close", nil); err != nil {
				return err
			}
			fmt.Println("Closed.")
			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <chat>",
		Short: "Mark a chat as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if _, err := c.do(http.MethodPost, "/v1/chats/"+url.PathEscape(args[0])+"/read", nil); err != nil {
				return err
			}
			fmt.Println("Marked read.")
			return nil
		},
	}
}

func replyCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "reply <chat> [local-id]",
		Short: "Show, set or clear the chat's reply target",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			path := "/v1/chats/" + url.PathEscape(args[0]) + "/reply"
			switch {
			case clear:
				if _, err := c.do(http.MethodDelete, path, nil); err != nil {
					return err
				}
				fmt.Println("Reply target cleared.")
			case len(args) == 2:
				if _, err := c.do(http.MethodPut, path, map[string]string{"local_id": args[1]}); err != nil {
					return err
				}
				fmt.Println("Reply target set.")
			default:
				var target struct {
					LocalID string `json:"local_id"`
				}
				if err := c.getJSON(path, &target); err != nil {
					return err
				}
				fmt.Printf("Replying to: %s\n", target.LocalID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the reply target")
	return cmd
}

func searchCmd() *cobra.Command {
	var chatID string
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search across cached messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			q := url.Values{}
			q.Set("q", strings.Join(args, " "))
			if chatID != "" {
				q.Set("chat_id", chatID)
			}
			q.Set("limit", strconv.Itoa(limit))
			var results []searchView
			if err := c.getJSON("/v1/search?"+q.Encode(), &results); err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(results)
				return nil
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%-24s %s\n", r.Message.ChatID, r.Snippet)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "restrict to one chat")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum results")
	return cmd
}

func foregroundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "foreground",
		Short: "Signal that the app came to the foreground",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if _, err := c.do(http.MethodPost, "/v1/app/foreground", nil); err != nil {
				return err
			}
			fmt.Println("Signaled.")
			return nil
		},
	}
}

func printMessage(m messageView) {
	ts := time.UnixMilli(m.SortTs).Format("15:04")
	marker := " "
	switch m.DeliveryState {
	case "pending":
		marker = "…"
	case "failed":
		marker = "!"
	case "read":
		marker = "✓"
	}
	fmt.Printf("[%s] %s %-16s %s\n", ts, marker, m.SenderID, m.Body)
}
