// Command gatectl inspects and edits the gate's client reputation through the admin API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	addr    string
	token   string
	timeout time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := options{
		addr:  envOr("ADMIN_ADDR", "127.0.0.1:9090"),
		token: os.Getenv("ADMIN_TOKEN"),
	}

	root := &cobra.Command{
		Use:           "gatectl",
		Short:         "Operate the tutor gate: stats, client records and the blacklist",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.addr, "addr", opts.addr, "admin listener address (env ADMIN_ADDR)")
	root.PersistentFlags().StringVar(&opts.token, "token", opts.token, "admin bearer token (env ADMIN_TOKEN)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	call := func(fn func(ctx context.Context, c *client, args []string) (json.RawMessage, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c := newClient(opts.addr, opts.token, opts.timeout)
			raw, err := fn(cmd.Context(), c, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Pipeline counters and reputation summary",
			Args:  cobra.NoArgs,
			RunE: call(func(ctx context.Context, c *client, _ []string) (json.RawMessage, error) {
				return c.stats(ctx)
			}),
		},
		&cobra.Command{
			Use:   "blacklist",
			Short: "List blacklisted clients",
			Args:  cobra.NoArgs,
			RunE: call(func(ctx context.Context, c *client, _ []string) (json.RawMessage, error) {
				return c.blacklist(ctx)
			}),
		},
		&cobra.Command{
			Use:   "client <addr>",
			Short: "Show one client's record and recent rejections",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.clientInfo(ctx, args[0])
			}),
		},
		&cobra.Command{
			Use:   "ban <addr> [reason...]",
			Short: "Blacklist a client",
			Args:  cobra.MinimumNArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.ban(ctx, args[0], strings.Join(args[1:], " "))
			}),
		},
		&cobra.Command{
			Use:   "unban <addr>",
			Short: "Lift a blacklist and reset the client's violations",
			Args:  cobra.ExactArgs(1),
			RunE: call(func(ctx context.Context, c *client, args []string) (json.RawMessage, error) {
				return c.unban(ctx, args[0])
			}),
		},
	)
	return root
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
