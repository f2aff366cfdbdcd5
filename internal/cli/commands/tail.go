package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jersoncarin/facebook-message-api/internal/config"
	"github.com/jersoncarin/facebook-message-api/internal/gateway"
)

// NewTailCommand creates the tail subcommand.
func NewTailCommand() *cobra.Command {
	var (
		url   string
		token string
		types string
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the event feed of a running listener",
		Long:  `Connect to the gateway /events feed and print each frame as a JSON line.`,
		Example: `  fbmsg tail
  fbmsg tail --types message,message_reply`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := gateway.ParseTypes(types)
			if err != nil {
				return err
			}
			opts := gateway.ClientOptions{URL: url, Token: token, Types: filter}
			if opts.URL == "" || !cmd.Flags().Changed("token") {
				gw := config.Default().Gateway
				if cfg, err := config.Load(); err == nil {
					gw = cfg.Gateway
				}
				if opts.URL == "" {
					opts.URL = fmt.Sprintf("%s:%d", gw.Host, gw.Port)
				}
				if !cmd.Flags().Changed("token") {
					opts.Token = gw.Token
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, cmd, opts)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Gateway address (default: from config file)")
	cmd.Flags().StringVar(&token, "token", "", "Gateway token (default: from config file)")
	cmd.Flags().StringVar(&types, "types", "", "Comma separated event types to receive")

	return cmd
}

func runTail(ctx context.Context, cmd *cobra.Command, opts gateway.ClientOptions) error {
	client, err := gateway.Dial(ctx, opts)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = client.Close()
	}()

	out := cmd.OutOrStdout()
	for {
		frame, err := client.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed closed: %w", err)
		}
		switch frame.Type {
		case gateway.FrameTypeError:
			fmt.Fprintf(out, "error: %s\n", frame.Error)
		default:
			fmt.Fprintln(out, string(frame.Event))
		}
	}
}
