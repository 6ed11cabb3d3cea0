package main

import (
	"fmt"

	"github.com/arbor-im/arbor/ids"
	"github.com/arbor-im/arbor/store"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"
)

func newConversationsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			convs, err := e.Conversations()
			if err != nil {
				return err
			}
			slices.SortFunc(convs, func(a, b *store.Conversation) int {
				switch {
				case a.CreatedAt > b.CreatedAt:
					return -1
				case a.CreatedAt < b.CreatedAt:
					return 1
				default:
					return 0
				}
			})
			for _, c := range convs {
				unread, err := e.UnreadCount(c.ConversationID())
				if err != nil {
					return err
				}
				state := "active"
				if !c.Active {
					state = "inactive"
				}
				if c.Degraded {
					state += " degraded"
				}
				fmt.Printf("%s  %-20s  %s  unread=%d\n", c.ConversationID(), c.Title, state, unread)
			}
			return nil
		},
	}
	cmd.AddCommand(newConversationsDeleteCmd(flags))
	return cmd
}

func newConversationsDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation and everything in it",
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
			return e.DeleteConversation(conversationID)
		},
	}
}

func newGroupCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage group conversations",
	}
	cmd.AddCommand(newGroupCreateCmd(flags))
	cmd.AddCommand(newGroupAddCmd(flags))
	cmd.AddCommand(newGroupRemoveCmd(flags))
	return cmd
}

func newGroupCreateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create <title>",
		Short: "Create a group conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			conversationID, err := e.CreateGroupConversation(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("conversation %s\n", conversationID)
			return nil
		},
	}
}

func newGroupAddCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <conversation-id> <user-id>",
		Short: "Propose adding a contact to a group conversation",
		Args:  cobra.ExactArgs(2),
		RunE:  memberChangeRunE(flags, true),
	}
}

func newGroupRemoveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <conversation-id> <user-id>",
		Short: "Propose removing a member from a group conversation",
		Args:  cobra.ExactArgs(2),
		RunE:  memberChangeRunE(flags, false),
	}
}

func memberChangeRunE(flags *rootFlags, add bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(flags)
		defer cancel()

		conversationID, err := ids.ParseID(args[0])
		if err != nil {
			return err
		}
		userID, err := ids.ParseID(args[1])
		if err != nil {
			return err
		}
		e, err := openEngine(flags)
		if err != nil {
			return err
		}
		defer closeEngine(e)

		if add {
			err = e.AddMember(conversationID, userID)
		} else {
			err = e.RemoveMember(conversationID, userID)
		}
		if err != nil {
			return err
		}
		return e.Sync(ctx)
	}
}
