// Command tunnel-client runs the Client engine: it registers one or more
// virtual hosts with a Server and forwards traffic for them to local or
// otherwise reachable origin addresses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kadeem-park/revtun/clientengine"
	"github.com/kadeem-park/revtun/pkg/config"
	"github.com/kadeem-park/revtun/pkg/logging"
	"github.com/kadeem-park/revtun/pkg/tlsconfig"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags config.ClientFlags

	cmd := &cobra.Command{
		Use:   "tunnel-client",
		Short: "Run the reverse-tunnel Client",
		Long: `tunnel-client registers one or more virtual hosts with a tunnel Server and
forwards connections the Server receives for them to the configured
origin addresses, optionally dialing each origin through an upstream
proxy.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), flags)
		},
	}

	config.RegisterClientFlags(cmd.Flags(), &flags)
	return cmd
}

func runClient(ctx context.Context, flags config.ClientFlags) error {
	if err := flags.Parse(); err != nil {
		return err
	}

	logger, err := logging.New("tunnel-client", flags.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	serverName := clientengine.ServerName(flags.ServerAddr)
	tlsCfg, err := tlsconfig.BuildClientDialerConfig(flags.CertFile, flags.KeyFile, serverName)
	if err != nil {
		return fmt.Errorf("build tls config: %w", err)
	}

	hosts := make([]string, 0, len(flags.Forwards))
	for host := range flags.Forwards {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	engine := clientengine.New(clientengine.Config{
		ServerAddr: flags.ServerAddr,
		TLSConfig:  tlsCfg,
		Hosts:      hosts,
		Forwards:   flags.Forwards,
		Proxies:    flags.Proxies,
	}, logger)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("tunnel-client starting",
		zap.String("server_addr", flags.ServerAddr),
		zap.Strings("hosts", hosts))

	if err := engine.Run(runCtx); err != nil {
		logger.Error("tunnel-client exiting", zap.Error(err))
		return err
	}

	logger.Info("tunnel-client stopped")
	return nil
}
