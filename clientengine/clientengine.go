// Package clientengine implements the Client engine: it holds the
// long-lived control link to a Server, registers this Client's virtual
// hosts, and services each Request the Server sends by dialing the
// configured origin and a fresh back-channel, then splicing the two.
package clientengine

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kadeem-park/revtun/pkg/client"
	"github.com/kadeem-park/revtun/pkg/metrics"
	"github.com/kadeem-park/revtun/pkg/protocol"
	"github.com/kadeem-park/revtun/pkg/timing"
	"github.com/kadeem-park/revtun/pkg/tunnelerr"
)

// pingInterval matches the keepalive cadence of the system this engine
// reimplements: a Ping every 60s keeps the control link's NAT/LB mapping
// alive even when no host is receiving traffic.
const pingInterval = 60 * time.Second

// Config bundles everything a Client needs to run one session against a
// Server.
type Config struct {
	ServerAddr string
	TLSConfig  *tls.Config

	// Hosts is the ordered list of virtual hosts to Register.
	Hosts []string
	// Forwards maps each host in Hosts to the origin address traffic for
	// it should be forwarded to.
	Forwards map[string]string
	// Proxies optionally maps a host to the upstream proxy its forward
	// traffic should dial the origin through. A host absent from this
	// map dials its origin directly.
	Proxies map[string]*client.ProxyConfig

	DialTimeout time.Duration

	// Metrics is optional; nil records into a private, unreported registry.
	Metrics *metrics.Metrics
}

// Engine runs one Client session.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	m      *metrics.Metrics
}

// New returns an Engine for cfg.
func New(cfg Config, logger *zap.Logger) *Engine {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Engine{cfg: cfg, logger: logger, m: m}
}

// Run dials the Server, registers cfg.Hosts, and services Requests until
// ctx is cancelled or the Server closes the control link. It returns nil
// on a clean shutdown (ctx cancellation, or the Server ending the link at
// a frame boundary) and an error otherwise: if dialing or registering
// fails, if the Server rejected the Register, or if the control link
// fails, including a close in the middle of a frame.
func (e *Engine) Run(ctx context.Context) error {
	conn, err := e.dialControl(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.Send(conn, protocol.Register{Hosts: e.cfg.Hosts}); err != nil {
		return tunnelerr.NewIO("send register", err)
	}

	recv := protocol.NewReceiver()
	frame, err := recv.Recv(conn)
	if err != nil {
		return tunnelerr.NewIO("recv register reply", err)
	}
	switch frame.(type) {
	case protocol.Ok:
		e.logger.Info("registered", zap.Strings("hosts", e.cfg.Hosts))
	case protocol.Reject:
		return tunnelerr.NewRegisterConflict(e.cfg.Hosts)
	default:
		return tunnelerr.NewProtocol("unexpected reply to Register")
	}

	return e.sessionLoop(ctx, conn, recv)
}

func (e *Engine) dialControl(ctx context.Context) (*tls.Conn, error) {
	dialer := &net.Dialer{Timeout: e.cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", e.cfg.ServerAddr)
	if err != nil {
		return nil, tunnelerr.NewIO("dial server "+e.cfg.ServerAddr, err)
	}
	conn := tls.Client(raw, e.cfg.TLSConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, tunnelerr.NewTLS("control handshake", err)
	}
	return conn, nil
}

// sessionLoop pumps control-link frames, answers the Server's implicit
// keepalive by Pinging it every 60s, and spawns a forward task per
// Request, until the link closes or ctx is cancelled.
func (e *Engine) sessionLoop(ctx context.Context, conn *tls.Conn, recv *protocol.Receiver) error {
	type recvResult struct {
		frame protocol.Frame
		err   error
	}
	frames := make(chan recvResult, 1)
	go func() {
		for {
			f, err := recv.Recv(conn)
			frames <- recvResult{f, err}
			if err != nil || f == nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-frames:
			if r.err != nil {
				return r.err
			}
			if r.frame == nil {
				e.logger.Info("server closed control link")
				return nil
			}
			switch f := r.frame.(type) {
			case protocol.Pong:
			case protocol.Request:
				go e.handleRequest(ctx, f)
			default:
				e.logger.Warn("unexpected frame on control link")
			}

		case <-ticker.C:
			if err := protocol.Send(conn, protocol.Ping{}); err != nil {
				return tunnelerr.NewIO("send ping", err)
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// handleRequest services one Request: dial the configured origin (through
// a proxy if one is configured for the host), dial a fresh back-channel
// to the Server, claim the rendezvous slot with Response, and splice.
func (e *Engine) handleRequest(ctx context.Context, req protocol.Request) {
	destination, ok := e.cfg.Forwards[req.Host]
	if !ok {
		e.logger.Error("request for unconfigured host", zap.String("host", req.Host))
		return
	}

	timer := timing.NewTimer()

	timer.StartOriginDial()
	origin, err := client.DialOrigin(ctx, e.cfg.Proxies[req.Host], destination, e.cfg.DialTimeout)
	timer.EndOriginDial()
	if err != nil {
		e.logger.Error("dial origin", zap.String("host", req.Host), zap.Error(err))
		return
	}
	defer origin.Close()
	e.m.ObserveDial(metrics.LegOrigin, timer.Metrics().OriginDial)

	timer.StartBackchannelDial()
	backchannel, err := e.dialControl(ctx)
	timer.EndBackchannelDial()
	if err != nil {
		e.logger.Error("dial backchannel", zap.String("host", req.Host), zap.Error(err))
		return
	}
	defer backchannel.Close()
	e.m.ObserveDial(metrics.LegBackchannel, timer.Metrics().BackchannelDial)

	if err := protocol.Send(backchannel, protocol.Response{Key: req.Key}); err != nil {
		e.logger.Error("send response", zap.String("host", req.Host), zap.Error(err))
		return
	}

	e.logger.Debug("forwarding",
		zap.String("host", req.Host),
		zap.String("destination", destination),
		zap.Stringer("timing", timingStringer{timer.Metrics()}))
	splice(origin, backchannel)
}

// timingStringer defers timing.Metrics.String() formatting until the log
// entry is actually encoded, so a disabled debug level never pays for it.
type timingStringer struct{ m timing.Metrics }

func (t timingStringer) String() string { return t.m.String() }

func splice(origin, backchannel net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(backchannel, origin)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(origin, backchannel)
		done <- struct{}{}
	}()
	<-done
}

// ServerName returns the hostname portion of a "host:port" address, for
// use as the TLS ServerName when a caller only has the dial address.
func ServerName(addr string) string {
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[:i]
	}
	return addr
}
