package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/arbor-im/arbor"
	"github.com/arbor-im/arbor/config"
	"github.com/spf13/cobra"
)

var version = "dev"

type rootFlags struct {
	rootDir  string
	password string
	authURL  string
	queueURL string
	timeout  time.Duration
	debug    bool
}

func execute(args []string) error {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:           "arborctl",
		Short:         "Drive an arbor messenger engine from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	rootCmd.SetVersionTemplate("arborctl {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&flags.rootDir, "root", defaultRootDir(), "engine root directory")
	rootCmd.PersistentFlags().StringVar(&flags.password, "password", os.Getenv("ARBOR_PASSWORD"), "database password (or ARBOR_PASSWORD)")
	rootCmd.PersistentFlags().StringVar(&flags.authURL, "auth-url", os.Getenv("ARBOR_AUTH_URL"), "auth service base URL")
	rootCmd.PersistentFlags().StringVar(&flags.queueURL, "queue-url", os.Getenv("ARBOR_QUEUE_URL"), "queue service base URL")
	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", time.Minute, "command timeout")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newHandleCmd(&flags))
	rootCmd.AddCommand(newConnectCmd(&flags))
	rootCmd.AddCommand(newConversationsCmd(&flags))
	rootCmd.AddCommand(newMessagesCmd(&flags))
	rootCmd.AddCommand(newSendCmd(&flags))
	rootCmd.AddCommand(newContactsCmd(&flags))
	rootCmd.AddCommand(newGroupCmd(&flags))
	rootCmd.AddCommand(newSyncCmd(&flags))
	rootCmd.AddCommand(newNameCmd(&flags))

	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		return err
	}
	return nil
}

func defaultRootDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arbor"
	}
	return home + "/.arbor"
}

// openEngine initializes the database on first use and opens it otherwise.
func openEngine(flags *rootFlags) (*arbor.Engine, error) {
	if flags.password == "" {
		return nil, fmt.Errorf("--password or ARBOR_PASSWORD is required")
	}
	c := config.NewConfig(
		config.WithRootDir(flags.rootDir),
		config.WithLoggingPrefix("arborctl"),
		config.WithAuthServiceURL(flags.authURL),
		config.WithQueueServiceURL(flags.queueURL),
		config.WithDebug(flags.debug),
	)
	e, err := arbor.NewEngine(c)
	if err != nil {
		return nil, err
	}
	key, err := e.NewKey(flags.password)
	if err != nil {
		return nil, err
	}
	if e.New() {
		if err := e.Initialize(key); err != nil {
			return nil, err
		}
		return e, nil
	}
	if err := e.Open(key); err != nil {
		return nil, err
	}
	return e, nil
}

func closeEngine(e *arbor.Engine) {
	if err := e.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "error during shutdown: %s\n", err)
	}
}

func withTimeout(flags *rootFlags) (context.Context, context.CancelFunc) {
	if flags.timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), flags.timeout)
}
