package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/echoctl/internal/echo"
	"github.com/danmuck/echoctl/internal/logging"
	"github.com/danmuck/echoctl/internal/provider/local"
	"github.com/spf13/cobra"
)

type flagValues struct {
	config   string
	peer     string
	messages []string
	sessions []string
	channel  string
	store    string
	dn       string
	password string
	relay    string
	echo     bool
	admin    string
}

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "echoctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags flagValues
	root := &cobra.Command{
		Use:           "echoctl",
		Short:         "Identity-backed echo over relay messages or secure sessions",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveRunConfig(cmd, flags)
			if err != nil {
				return err
			}
			p := local.New(cfg.Provider)
			defer p.Close()
			return echo.NewService(cfg.Service, p).Run()
		},
	}

	bindFlags(root, &flags)
	return root
}

func bindFlags(cmd *cobra.Command, flags *flagValues) {
	f := cmd.Flags()
	f.StringVar(&flags.config, "config", "", "path to echoctl TOML config")
	f.StringVarP(&flags.peer, "peer", "c", "", "peer alias; client role when set")
	f.StringArrayVar(&flags.messages, "msg", nil, "message payload (repeatable)")
	f.StringArrayVar(&flags.sessions, "sess", nil, "session payload (repeatable)")
	f.StringVar(&flags.channel, "channel", "", "message|session")
	f.StringVar(&flags.store, "store", "", "key store directory (default ~/.echoctl/store)")
	f.StringVar(&flags.dn, "dn", "", "CSR common name (default: key store directory name)")
	f.StringVar(&flags.password, "password", "", "key store password")
	f.StringVar(&flags.relay, "relay", "", "relay base URL")
	f.BoolVar(&flags.echo, "echo", false, "server role echoes what it receives")
	f.StringVar(&flags.admin, "admin", "", "admin HTTP listen address")
}

// resolveRunConfig loads the optional file, then applies flags that were set.
func resolveRunConfig(cmd *cobra.Command, flags flagValues) (runConfig, error) {
	cfg := defaultRunConfig()
	if path := strings.TrimSpace(flags.config); path != "" {
		loaded, err := loadRunConfig(path)
		if err != nil {
			return runConfig{}, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	svc := &cfg.Service
	if changed("peer") {
		svc.Peer = strings.TrimSpace(flags.peer)
	}
	if changed("msg") {
		svc.Messages = append([]string(nil), flags.messages...)
	}
	if changed("sess") {
		svc.SessionPayloads = append([]string(nil), flags.sessions...)
	}
	if changed("channel") {
		ch, err := echo.ParseChannel(flags.channel)
		if err != nil {
			return runConfig{}, err
		}
		svc.Channel = ch
	}
	if changed("store") {
		svc.StoreName = strings.TrimSpace(flags.store)
	}
	if changed("dn") {
		svc.CommonName = strings.TrimSpace(flags.dn)
	}
	if changed("password") {
		svc.Password = flags.password
	}
	if changed("echo") {
		svc.Echo = flags.echo
	}
	if changed("admin") {
		svc.AdminAddr = strings.TrimSpace(flags.admin)
	}
	if changed("relay") {
		cfg.Provider.RelayURL = strings.TrimSpace(flags.relay)
	}
	return cfg, nil
}
