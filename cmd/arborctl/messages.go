package main

import (
	"fmt"
	"os"
	"time"

	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/message"
	"github.com/arbor-im/arbor/store"
	"github.com/spf13/cobra"
)

func newMessagesCmd(flags *rootFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "List the most recent messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, err := ids.ParseID(args[0])
			if err != nil {
				return err
			}
			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			msgs, err := e.Messages(conversationID, limit)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				content, err := message.DecodeContent(m.Body)
				if err != nil {
					return err
				}
				body := content.Text
				switch content.Kind {
				case message.ContentAttachment:
					body = fmt.Sprintf("[%d attachment(s)]", len(content.Attachments))
				case message.ContentSystem:
					body = fmt.Sprintf("* %s", content.Text)
				}
				fmt.Printf("%s  %s  %s  %s  %s\n",
					m.MessageID(),
					time.UnixMilli(int64(m.SentAt)).Format(time.RFC3339),
					ids.IDFromBytes(m.SenderID),
					statusString(m.Status),
					body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages")
	return cmd
}

func newSendCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send messages",
	}
	cmd.AddCommand(newSendTextCmd(flags))
	cmd.AddCommand(newSendFileCmd(flags))
	cmd.AddCommand(newEditCmd(flags))
	cmd.AddCommand(newReadCmd(flags))
	return cmd
}

func newSendTextCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "text <conversation-id> <message>",
		Short: "Send a text message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(flags)
			defer cancel()

			conversationID, err := ids.ParseID(args[0])
			if err != nil {
				return err
			}
			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			messageID, err := e.SendMessage(conversationID, args[1])
			if err != nil {
				return err
			}
			if err := e.Sync(ctx); err != nil {
				return err
			}
			fmt.Printf("message %s\n", messageID)
			return nil
		},
	}
}

func newSendFileCmd(flags *rootFlags) *cobra.Command {
	var contentType string

	cmd := &cobra.Command{
		Use:   "file <conversation-id> <path>",
		Short: "Send a file as an encrypted attachment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(flags)
			defer cancel()

			conversationID, err := ids.ParseID(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1]) // #nosec G304
			if err != nil {
				return err
			}
			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			messageID, err := e.SendAttachment(ctx, conversationID, data, args[1], contentType)
			if err != nil {
				return err
			}
			if err := e.Sync(ctx); err != nil {
				return err
			}
			fmt.Printf("message %s\n", messageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "attachment content type")
	return cmd
}

func newEditCmd(flags *rootFlags) *cobra.Command {
	var expectedClock uint64

	cmd := &cobra.Command{
		Use:   "edit <message-id> <new-message>",
		Short: "Replace a sent message's content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(flags)
			defer cancel()

			messageID, err := ids.ParseID(args[0])
			if err != nil {
				return err
			}
			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			if err := e.EditMessage(messageID, expectedClock, args[1]); err != nil {
				return err
			}
			return e.Sync(ctx)
		},
	}
	cmd.Flags().Uint64Var(&expectedClock, "clock", 0, "logical clock of the revision being edited")
	return cmd
}

func newReadCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id> <message-id>",
		Short: "Move the read marker and send read receipts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(flags)
			defer cancel()

			conversationID, err := ids.ParseID(args[0])
			if err != nil {
				return err
			}
			messageID, err := ids.ParseID(args[1])
			if err != nil {
				return err
			}
			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			if err := e.MarkAsRead(conversationID, messageID, uint64(time.Now().UnixMilli())); err != nil {
				return err
			}
			return e.Sync(ctx)
		},
	}
}

func statusString(status int) string {
	switch {
	case status&store.StatusRead != 0:
		return "read"
	case status&store.StatusDelivered != 0:
		return "delivered"
	case status&store.StatusSent != 0:
		return "sent"
	default:
		return "pending"
	}
}
