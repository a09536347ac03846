package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	kite "github.com/Kite-IM/Kite/client/golang"
)

var (
	sendGroup bool
	sendType  string
)

func init() {
	sendCmd.Flags().BoolVar(&sendGroup, "group", false, "Send to a group conversation")
	sendCmd.Flags().StringVar(&sendType, "type", "text", "Message type: text, image, file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a live session and print incoming messages",
	Long:  "Connect to the IM server, pull the offline backlog, and print live conversation updates until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		defer client.Close()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := client.Bind(ctx); err != nil {
			return fmt.Errorf("bind failed: %w", err)
		}
		client.Tokens().SetToken(cfg.Auth.Token)

		fmt.Println("Connected. Press Ctrl-C to quit.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		seen := map[kite.ConvKey]int{}
		for {
			select {
			case <-sig:
				fmt.Println("\nBye.")
				return nil
			case <-ticker.C:
				for _, s := range client.Engine().Sessions() {
					msgs := client.Engine().Messages(s.Key())
					for _, m := range msgs[seen[s.Key()]:] {
						who := s.Name
						if who == "" {
							who = fmt.Sprintf("%s/%d", s.Kind, s.ID)
						}
						if m.Sender == kite.RoleSelf {
							who = "me"
						}
						fmt.Printf("[%s] %s: %s (%s)\n", m.DisplayTime, who, m.Body, m.Status)
					}
					seen[s.Key()] = len(msgs)
				}
			}
		}
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send one message",
	Long:  "Connect, send one message to a private or group conversation, wait for the delivery result, then exit.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseConvKey(args[0], sendGroup)
		if err != nil {
			return err
		}

		client := getClient()
		defer client.Close()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Bind(ctx); err != nil {
			return fmt.Errorf("bind failed: %w", err)
		}
		client.Tokens().SetToken(cfg.Auth.Token)

		// Give the channel a moment to come up before dispatching.
		deadline := time.Now().Add(10 * time.Second)
		for !client.Channels().Connected() && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}

		m := client.Engine().SendMessage(key, args[1], kite.MessageType(sendType))

		// Poll for the terminal delivery status.
		for time.Now().Before(deadline) {
			for _, cur := range client.Engine().Messages(key) {
				if cur.ClientMsgID == m.ClientMsgID && cur.Terminal() {
					if cur.Status == kite.StatusFailed {
						return fmt.Errorf("send failed: %s", cur.Result)
					}
					fmt.Printf("Delivered (server id %s)\n", cur.ServerMsgID)
					return nil
				}
			}
			time.Sleep(200 * time.Millisecond)
		}
		return fmt.Errorf("timed out waiting for delivery confirmation")
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List conversations from the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Bind(ctx); err != nil {
			return fmt.Errorf("bind failed: %w", err)
		}

		sessions := client.Engine().Sessions()
		if len(sessions) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, s := range sessions {
			pin := "  "
			if s.Pinned {
				pin = "* "
			}
			name := s.Name
			if name == "" {
				name = fmt.Sprintf("%s/%d", s.Kind, s.ID)
			}
			fmt.Printf("%s%-24s unread %-3d %s  %s\n", pin, name, s.Unread, s.LastActive, s.Preview)
		}
		return nil
	},
}
