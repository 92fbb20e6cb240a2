package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crewdeck/crewsync"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	sendAttach []string
	sendThread string
)

func init() {
	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "File to attach (repeatable)")
	sendCmd.Flags().StringVar(&sendThread, "thread", "", "Reply in the thread of this message ID")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(threadCmd)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text>",
	Short: "Send a message to a conversation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		var text string
		if len(args) > 1 {
			text = args[1]
		}
		if sendThread != "" && len(sendAttach) > 0 {
			return fmt.Errorf("thread replies cannot carry attachments")
		}

		uploads, err := readAttachments(sendAttach)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		b, err := openBackends(ctx, false)
		if err != nil {
			return err
		}
		defer b.close()
		s, c, err := openConversation(ctx, b, conversationID)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		if sendThread != "" {
			reply, err := c.Reply(ctx, sendThread, text)
			if err != nil {
				return err
			}
			fmt.Printf("Reply sent to thread %s\n", sendThread)
			fmt.Printf("  Message ID: %s\n", reply.ID)
			return nil
		}

		results := make(chan crewsync.SendResult, 1)
		c.Writes.OnResult(func(r crewsync.SendResult) {
			select {
			case results <- r:
			default:
			}
		})
		if _, err := c.Send(ctx, crewsync.SendRequest{Text: text, Attachments: uploads}); err != nil {
			return err
		}

		select {
		case r := <-results:
			if r.Err != nil {
				return r.Err
			}
			fmt.Printf("Message sent to %s\n", conversationID)
			fmt.Printf("  Message ID: %s\n", r.Message.ID)
			for _, a := range r.Message.Attachments {
				fmt.Printf("  Attachment: %s\n", a)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("send did not complete: %w", ctx.Err())
		}
	},
}

func readAttachments(paths []string) ([]crewsync.Upload, error) {
	uploads := make([]crewsync.Upload, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		fmt.Printf("Attaching %s (%s)\n", filepath.Base(path), humanize.Bytes(uint64(len(data))))
		uploads = append(uploads, crewsync.Upload{FileName: filepath.Base(path), Data: data})
	}
	return uploads, nil
}

// ============================================================================
// react
// ============================================================================

var reactCmd = &cobra.Command{
	Use:   "react <conversation> <message-id> <emoji>",
	Short: "Toggle a reaction on a message",
	Long:  "Add your reaction to a message, or remove it if you already reacted with the same emoji.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, messageID, emoji := args[0], args[1], args[2]

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		b, err := openBackends(ctx, false)
		if err != nil {
			return err
		}
		defer b.close()
		s, c, err := openConversation(ctx, b, conversationID)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		reactions, err := c.React(ctx, messageID, emoji)
		if err != nil {
			return err
		}
		verb := "Removed"
		if crewsync.HasReacted(reactions, emoji, b.ident.ID) {
			verb = "Added"
		}
		fmt.Printf("%s %s on %s\n", verb, emoji, messageID)
		fmt.Printf("  Reactions: %s\n", valueOrDefault(reactionSummary(reactions), "(none)"))
		return nil
	},
}

// ============================================================================
// thread
// ============================================================================

var threadCmd = &cobra.Command{
	Use:   "thread <conversation> <parent-id>",
	Short: "Print a message and its thread replies",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, parentID := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		b, err := openBackends(ctx, false)
		if err != nil {
			return err
		}
		defer b.close()
		s, c, err := openConversation(ctx, b, conversationID)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())

		view, err := c.OpenThread(ctx, parentID)
		if err != nil {
			return err
		}
		fmt.Println(formatMessage(view.Parent))
		if len(view.Replies) == 0 {
			fmt.Println("  No replies.")
			return nil
		}
		for _, r := range view.Replies {
			fmt.Println()
			fmt.Println(formatMessage(r))
		}
		return nil
	},
}
