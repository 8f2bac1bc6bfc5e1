// Command tunnel-server runs the Server engine: it accepts externally
// reachable HTTPS connections, demuxes them by sniffed Host header, and
// rendezvous them with whichever Client has registered that host.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kadeem-park/revtun/pkg/config"
	"github.com/kadeem-park/revtun/pkg/logging"
	"github.com/kadeem-park/revtun/pkg/metrics"
	"github.com/kadeem-park/revtun/pkg/tlsconfig"
	"github.com/kadeem-park/revtun/server"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags config.ServerFlags

	cmd := &cobra.Command{
		Use:   "tunnel-server",
		Short: "Run the reverse-tunnel Server",
		Long: `tunnel-server accepts externally reachable HTTPS connections, sniffs the
Host header, and forwards each connection to whichever Client has
registered that virtual host over the mTLS control listener.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), flags)
		},
	}

	config.RegisterServerFlags(cmd.Flags(), &flags)
	return cmd
}

func runServer(ctx context.Context, flags config.ServerFlags) error {
	if err := flags.Validate(); err != nil {
		return err
	}

	logger, err := logging.New("tunnel-server", flags.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	httpsTLS, err := tlsconfig.BuildHTTPSListenerConfig(flags.HTTPCertFile, flags.HTTPKeyFile)
	if err != nil {
		return fmt.Errorf("build https tls config: %w", err)
	}
	controlTLS, err := tlsconfig.BuildMTLSListenerConfig(flags.ServerCertFile, flags.ServerKeyFile)
	if err != nil {
		return fmt.Errorf("build control tls config: %w", err)
	}

	m := metrics.New()
	srv := server.New(server.Config{
		HTTPSTLSConfig:   httpsTLS,
		ControlTLSConfig: controlTLS,
	}, logger, m)

	httpsLn, err := net.Listen("tcp", flags.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", flags.HTTPAddr, err)
	}
	defer httpsLn.Close()

	controlLn, err := net.Listen("tcp", flags.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", flags.Addr, err)
	}
	defer controlLn.Close()

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logLoopErr := func(name string, err error) {
		if err != nil {
			logger.Error("listener exited", zap.String("listener", name), zap.Error(err))
		}
	}

	httpsDone := make(chan struct{})
	go func() { logLoopErr("https", srv.ServeHTTPS(runCtx, httpsLn)); close(httpsDone) }()

	controlDone := make(chan struct{})
	go func() { logLoopErr("control", srv.ServeControl(runCtx, controlLn)); close(controlDone) }()

	var metricsDone chan struct{}
	if flags.MetricsAddr != "" {
		metricsLn, err := net.Listen("tcp", flags.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", flags.MetricsAddr, err)
		}
		defer metricsLn.Close()
		metricsSrv := metrics.NewServer(flags.MetricsAddr, m)
		metricsDone = make(chan struct{})
		go func() { logLoopErr("metrics", metricsSrv.Serve(runCtx, metricsLn)); close(metricsDone) }()
		logger.Info("metrics listening", zap.String("addr", flags.MetricsAddr))
	}

	logger.Info("tunnel-server starting",
		zap.String("https_addr", flags.HTTPAddr),
		zap.String("control_addr", flags.Addr))

	<-runCtx.Done()
	<-httpsDone
	<-controlDone
	if metricsDone != nil {
		<-metricsDone
	}

	logger.Info("tunnel-server stopped")
	return nil
}
