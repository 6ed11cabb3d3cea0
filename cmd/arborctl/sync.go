package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push the outbox and pull the queue once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(flags)
			defer cancel()

			e, err := openEngine(flags)
			if err != nil {
				return err
			}
			defer closeEngine(e)

			if err := e.Sync(ctx); err != nil {
				return err
			}
			fmt.Println("synced")
			return nil
		},
	}
}
