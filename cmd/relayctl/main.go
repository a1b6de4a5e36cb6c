package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/echoctl/internal/config"
	"github.com/danmuck/echoctl/internal/logging"
	"github.com/danmuck/echoctl/internal/relay"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Development relay: directory, presence and mail queues",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(serveCmd(), initCmd(), validateCmd(), enrollCmd())
	return root
}

func serveCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultRelayConfig()
			if strings.TrimSpace(path) != "" {
				loaded, err := config.LoadRelayConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			store, err := relay.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := relay.SeedContacts(store, cfg.Contacts); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Info().Str("store", cfg.Store).Int("contacts", len(cfg.Contacts)).Msg("relayctl serve")
			return relay.NewServer(cfg, store).Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "relay TOML config")
	return cmd
}

func initCmd() *cobra.Command {
	var (
		kind   string
		output string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a relay or echoctl config template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := output
			if target == "" {
				target = kind + ".config.toml"
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "relay", "config kind: relay|echo")
	cmd.Flags().StringVar(&output, "output", "", "output path (default <kind>.config.toml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <relay-config>",
		Short: "Validate a relay config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadRelayConfig(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated relay config at %s\n", args[0])
			return nil
		},
	}
}

func enrollCmd() *cobra.Command {
	var (
		relayURL string
		token    string
	)
	cmd := &cobra.Command{
		Use:   "enroll <newkey.smcsr>",
		Short: "Enroll a provisioned identity from its CSR file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			req, err := relay.ParseCSRFile(data)
			if err != nil {
				return err
			}
			id, err := relay.NewClient(relayURL, token).Enroll(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enrolled %s (%s) caps=%s rev=%d\n",
				id.Alias, id.Handle(), strings.Join(id.Capabilities, ","), id.Revision)
			return nil
		},
	}
	cmd.Flags().StringVar(&relayURL, "relay", "http://127.0.0.1:9400", "relay base URL")
	cmd.Flags().StringVar(&token, "token", "", "relay bearer token")
	return cmd
}
