package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHandleCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handle",
		Short: "Manage published handles",
	}
	cmd.AddCommand(newHandlePublishCmd(flags))
	return cmd
}

func newHandlePublishCmd(flags *rootFlags) *cobra.Command {
	var lastResort bool

	cmd := &cobra.Command{
		Use:   "publish <handle>",
		Short: "Publish a connection package for a handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(flags)
			defer cancel()

			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			if err := e.PublishHandle(ctx, args[0], lastResort); err != nil {
				return err
			}
			fmt.Printf("published %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&lastResort, "last-resort", false, "mark the package reusable after exhaustion")
	return cmd
}

func newConnectCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <handle>",
		Short: "Start a connection with the owner of a handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(flags)
			defer cancel()

			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			conversationID, err := e.CreateConnection(ctx, args[0])
			if err != nil {
				return err
			}
			if err := e.Sync(ctx); err != nil {
				return err
			}
			fmt.Printf("conversation %s\n", conversationID)
			return nil
		},
	}
}

func newNameCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "name <display-name>",
		Short: "Set the display name sent with connection offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)
			return e.SetDisplayName(args[0])
		},
	}
}
