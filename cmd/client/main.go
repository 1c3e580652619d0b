// Command gitgrade-client sends requests to a gitgrade server through the
// user's client log, either on the local machine or over SFTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gsarma/gitgrade/internal/client"
	"github.com/gsarma/gitgrade/internal/config"
	"github.com/gsarma/gitgrade/internal/handlers"
)

var (
	homeDir string
	timeout time.Duration
	local   bool

	conf *config.Config
	cli  *client.Client
)

var rootCmd = &cobra.Command{
	Use:           "gitgrade-client",
	Short:         "Talk to a gitgrade server",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		conf, err = config.NewConfig("client")
		if err != nil {
			return err
		}
		cli, err = newClient()
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "home directory on the server (default: login directory)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "how long to wait for a reply")
	rootCmd.PersistentFlags().BoolVar(&local, "local", false, "use the local filesystem even if remote.host is set")

	rootCmd.AddCommand(
		sendCmd,
		uploadingCmd("class-add <class> <csv>", "Create a class from a roster", handlers.EventClassAdd, 2, 1),
		uploadingCmd("students-add <class> <csv>", "Enroll students from a roster", handlers.EventStudentsAdd, 2, 1),
		uploadingCmd("students-remove <class> <csv>", "Drop students listed in a roster", handlers.EventStudentsRemove, 2, 1),
		uploadingCmd("students-modify <class> <csv>", "Update students' names", handlers.EventStudentsModify, 2, 1),
		uploadingCmd("upload <class> <assignment> <dir>", "Upload a new assignment", handlers.EventUpload, 3, 2),
		uploadingCmd("update <class> <assignment> <dir> <base_code|tests|email|all>", "Replace parts of an assignment", handlers.EventUpdate, 4, 2),
		simpleCmd("class-status <class> <open|closed>", "Open or close a class", handlers.EventClassStatus, cobra.ExactArgs(2)),
		simpleCmd("publish <class> <assignment>", "Publish an assignment", handlers.EventPublish, cobra.ExactArgs(2)),
		simpleCmd("delete <class> <assignment>", "Delete an unpublished assignment", handlers.EventDelete, cobra.ExactArgs(2)),
		simpleCmd("disable <class> <assignment>", "Stop accepting submissions", handlers.EventDisable, cobra.ExactArgs(2)),
		simpleCmd("trigger <class> <assignment> [student...]", "Re-run tests on the latest submissions", handlers.EventTrigger, cobra.MinimumNArgs(2)),
		simpleCmd("passwd <username>", "Reset a password", handlers.EventPasswd, cobra.ExactArgs(1)),
		simpleCmd("faculty-add <last> <first> <email> [admin]", "Create a faculty account", handlers.EventFacultyAdd, cobra.RangeArgs(3, 4)),
		simpleCmd("admin-promote <username>", "Grant admin rights", handlers.EventAdminPromote, cobra.ExactArgs(1)),
		simpleCmd("admin-demote <username>", "Revoke admin rights", handlers.EventAdminDemote, cobra.ExactArgs(1)),
		simpleCmd("check", "Show your classes and assignments", handlers.EventCheck, cobra.NoArgs),
	)
}

var sendCmd = &cobra.Command{
	Use:   "send <EVENT> [args...]",
	Short: "Send a raw event",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd.Context(), strings.ToUpper(args[0]), args[1:])
	},
}

func simpleCmd(use, short, event string, args cobra.PositionalArgs) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(cmd.Context(), event, args)
		},
	}
}

// uploadingCmd copies the local file at args[pathArg] to the server and
// sends its server-side path instead.
func uploadingCmd(use, short, event string, n, pathArg int) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(n),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := cli.Upload(args[pathArg])
			if err != nil {
				return err
			}
			args[pathArg] = remote
			return send(cmd.Context(), event, args)
		},
	}
}

func send(ctx context.Context, event string, args []string) error {
	reply, err := cli.Send(ctx, event, args...)
	if err != nil {
		return err
	}
	switch reply.Status {
	case client.Success:
		fmt.Println(reply.Detail)
		return nil
	case client.Failure:
		return fmt.Errorf("%s failed: %s", event, reply.Detail)
	default:
		fmt.Fprintf(os.Stderr, "status unknown: no reply to %s within %s; the server may still process it\n", event, cli.Timeout)
		return nil
	}
}

func newClient() (*client.Client, error) {
	c := &client.Client{
		Home:          homeDir,
		LogDirName:    conf.Server.LogDirName,
		ClientLogName: conf.Server.ClientLogName,
		ReplyLogName:  conf.Server.ReplyLogName,
		Timeout:       timeout,
		PollInterval:  conf.Server.PollInterval,
	}

	if conf.Remote.Host == "" || local {
		if c.Home == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			c.Home = home
		}
		c.Transport = client.LocalTransport{ReadChunk: conf.Server.ReadChunk}
		return c, nil
	}

	t, err := client.DialSFTP(conf.Remote)
	if err != nil {
		return nil, err
	}
	t.ReadChunk = conf.Server.ReadChunk
	if c.Home == "" {
		// SFTP resolves relative paths against the login directory.
		c.Home = "."
	}
	c.Transport = t
	return c, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if cli != nil {
		if t, ok := cli.Transport.(*client.SFTPTransport); ok {
			t.Close()
		}
	}
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
