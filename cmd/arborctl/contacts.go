package main

import (
	"fmt"

	"github.com/arbor-im/arbor/ids"
	"github.com/spf13/cobra"
)

func newContactsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "List and manage contacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			contacts, err := e.Contacts()
			if err != nil {
				return err
			}
			for _, c := range contacts {
				fmt.Printf("%s  %-20s  conversation=%s\n",
					ids.IDFromBytes(c.UserID), c.DisplayName, ids.IDFromBytes(c.ConversationID))
			}
			return nil
		},
	}
	cmd.AddCommand(newContactsBlockCmd(flags))
	cmd.AddCommand(newContactsUnblockCmd(flags))
	cmd.AddCommand(newContactsReportCmd(flags))
	return cmd
}

func newContactsBlockCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "block <user-id>",
		Short: "Block a user",
		Args:  cobra.ExactArgs(1),
		RunE:  contactActionRunE(flags, "block"),
	}
}

func newContactsUnblockCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <user-id>",
		Short: "Unblock a user",
		Args:  cobra.ExactArgs(1),
		RunE:  contactActionRunE(flags, "unblock"),
	}
}

func newContactsReportCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "report <user-id>",
		Short: "Report a user, which also blocks them",
		Args:  cobra.ExactArgs(1),
		RunE:  contactActionRunE(flags, "report"),
	}
}

func contactActionRunE(flags *rootFlags, action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		userID, err := ids.ParseID(args[0])
		if err != nil {
			return err
		}
		e, err := openEngine(flags)
		if err != nil {
			return err
		}
		defer closeEngine(e)

		switch action {
		case "block":
			return e.Block(userID)
		case "unblock":
			return e.Unblock(userID)
		default:
			return e.Report(userID)
		}
	}
}
