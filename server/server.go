// Package server implements the Server engine: the externally reachable
// HTTPS listener that demuxes inbound connections by sniffed Host header,
// and the Client-facing mTLS control listener that accepts Registers and
// routes forward work back to the Client that owns each host.
package server

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kadeem-park/revtun/pkg/metrics"
	"github.com/kadeem-park/revtun/pkg/protocol"
	"github.com/kadeem-park/revtun/pkg/registry"
	"github.com/kadeem-park/revtun/pkg/rendezvous"
	"github.com/kadeem-park/revtun/pkg/sniff"
	"github.com/kadeem-park/revtun/pkg/tunnelerr"
)

const (
	// defaultSniffTimeout bounds how long an external connection is given
	// to present a Host header before it is dropped.
	defaultSniffTimeout = 30 * time.Second

	// defaultRendezvousTimeout bounds how long the Server waits for the
	// owning Client to dial a matching back-channel before giving up on a
	// forward and replying 504 to the external connection.
	defaultRendezvousTimeout = 15 * time.Second
)

// Config bundles the TLS configs and timeouts a Server needs.
type Config struct {
	// HTTPSTLSConfig is presented to external connections; no client
	// certificate is requested.
	HTTPSTLSConfig *tls.Config

	// ControlTLSConfig is presented to Clients and requires a client
	// certificate chaining to the Server's own.
	ControlTLSConfig *tls.Config

	SniffTimeout      time.Duration
	RendezvousTimeout time.Duration
}

// Server is the rendezvous point between external HTTPS connections and
// the Clients that own the virtual hosts they target.
type Server struct {
	cfg        Config
	registry   *registry.Registry
	rendezvous *rendezvous.Table
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New builds a Server. m may be nil, in which case metrics are discarded.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Server {
	if cfg.SniffTimeout <= 0 {
		cfg.SniffTimeout = defaultSniffTimeout
	}
	if cfg.RendezvousTimeout <= 0 {
		cfg.RendezvousTimeout = defaultRendezvousTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:        cfg,
		registry:   registry.New(),
		rendezvous: rendezvous.New(),
		metrics:    m,
		logger:     logger,
	}
}

// ServeHTTPS accepts external connections on ln until ctx is cancelled.
func (s *Server) ServeHTTPS(ctx context.Context, ln net.Listener) error {
	return s.acceptLoop(ctx, ln, s.handleHTTPS)
}

// ServeControl accepts Client control connections on ln until ctx is
// cancelled.
func (s *Server) ServeControl(ctx context.Context, ln net.Listener) error {
	return s.acceptLoop(ctx, ln, s.handleControl)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, handle func(context.Context, net.Conn)) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept", zap.Error(err))
			continue
		}
		go handle(ctx, conn)
	}
}

// handleHTTPS sniffs the Host header off an external connection, looks up
// the owning Client, and splices the external connection to a fresh
// back-channel once one arrives.
func (s *Server) handleHTTPS(ctx context.Context, raw net.Conn) {
	peer := raw.RemoteAddr().String()
	conn := tls.Server(raw, s.cfg.HTTPSTLSConfig)
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.cfg.SniffTimeout)); err != nil {
		s.logger.Error("set sniff deadline", zap.String("peer", peer), zap.Error(err))
		return
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		s.logger.Debug("https handshake", zap.String("peer", peer), zap.Error(err))
		return
	}

	sniffStart := time.Now()
	result, err := sniff.Sniff(conn)
	s.metrics.ObserveSniff(time.Since(sniffStart))
	if err != nil {
		s.logger.Debug("sniff", zap.String("peer", peer), zap.Error(err))
		return
	}
	_ = conn.SetDeadline(time.Time{})

	producer, ok := s.registry.Get(result.Host)
	if !ok {
		s.logger.Info("no client for host", zap.String("host", result.Host), zap.String("peer", peer))
		s.metrics.ForwardRequests.WithLabelValues(metrics.OutcomeNoClient).Inc()
		writeStatus(conn, statusBadGateway)
		return
	}

	key, err := makeKey(result.Host)
	if err != nil {
		s.logger.Error("make rendezvous key", zap.Error(err))
		return
	}

	waiter := s.rendezvous.Add(key)
	s.metrics.RendezvousInFlight.Inc()
	defer s.metrics.RendezvousInFlight.Dec()

	producer.Send(registry.ForwardRequest{Key: key, Host: result.Host})

	timer := time.NewTimer(s.cfg.RendezvousTimeout)
	defer timer.Stop()

	select {
	case backchannel := <-waiter.C():
		s.metrics.ForwardRequests.WithLabelValues(metrics.OutcomeSpliced).Inc()
		s.splice(conn, backchannel, result.Prefix, result.Host)

	case <-timer.C:
		if _, ok := s.rendezvous.Remove(key); !ok {
			// The Client's Response claimed the slot first; its
			// back-channel is in, or about to enter, the waiter.
			s.metrics.ForwardRequests.WithLabelValues(metrics.OutcomeSpliced).Inc()
			s.splice(conn, <-waiter.C(), result.Prefix, result.Host)
			return
		}
		s.metrics.ForwardRequests.WithLabelValues(metrics.OutcomeTimeout).Inc()
		s.logger.Info("rendezvous timeout", zap.String("host", result.Host), zap.String("peer", peer))
		writeStatus(conn, statusGatewayTimeout)

	case <-ctx.Done():
		s.rendezvous.Remove(key)
	}
}

// splice writes prefix (the bytes already consumed while sniffing) to the
// back-channel, then copies in both directions until either side closes.
func (s *Server) splice(external, backchannel net.Conn, prefix []byte, host string) {
	defer backchannel.Close()

	if _, err := backchannel.Write(prefix); err != nil {
		s.logger.Debug("write sniffed prefix", zap.String("host", host), zap.Error(err))
		return
	}

	s.metrics.ActiveSplices.Inc()
	defer s.metrics.ActiveSplices.Dec()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(backchannel, external)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(external, backchannel)
		done <- struct{}{}
	}()
	<-done
}

// handleControl accepts one Client control connection, dispatching on its
// first frame: Register begins a long-lived session, Response hands a
// fresh back-channel off to whichever external connection is waiting on
// its key.
func (s *Server) handleControl(ctx context.Context, raw net.Conn) {
	peer := raw.RemoteAddr().String()
	conn := tls.Server(raw, s.cfg.ControlTLSConfig)

	if err := conn.HandshakeContext(ctx); err != nil {
		s.logger.Debug("control handshake", zap.String("peer", peer), zap.Error(err))
		conn.Close()
		return
	}

	recv := protocol.NewReceiver()
	frame, err := recv.Recv(conn)
	if err != nil {
		s.logger.Debug("recv first frame", zap.String("peer", peer), zap.Error(err))
		conn.Close()
		return
	}

	switch f := frame.(type) {
	case protocol.Register:
		s.handleRegister(ctx, conn, peer, f, recv)

	case protocol.Response:
		s.handleResponse(conn, f)

	default:
		conn.Close()
	}
}

func (s *Server) handleRegister(ctx context.Context, conn net.Conn, peer string, reg protocol.Register, recv *protocol.Receiver) {
	if len(reg.Hosts) == 0 || s.registry.Exists(reg.Hosts) {
		_ = protocol.Send(conn, protocol.Reject{})
		conn.Close()
		return
	}

	consumer, err := s.registry.Add(reg.Hosts)
	if err != nil {
		_ = protocol.Send(conn, protocol.Reject{})
		conn.Close()
		return
	}

	if err := protocol.Send(conn, protocol.Ok{}); err != nil {
		s.registry.Remove(reg.Hosts)
		conn.Close()
		return
	}

	s.metrics.RegisteredHosts.Add(float64(len(reg.Hosts)))
	s.runSession(ctx, conn, peer, reg.Hosts, consumer, recv)

	s.registry.Remove(reg.Hosts)
	s.metrics.RegisteredHosts.Sub(float64(len(reg.Hosts)))
	conn.Close()
}

// runSession pumps Request frames from consumer to the Client and answers
// its Pings, until the control connection closes or ctx is cancelled.
func (s *Server) runSession(ctx context.Context, conn net.Conn, peer string, hosts []string, consumer registry.Consumer, recv *protocol.Receiver) {
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

	for {
		select {
		case r := <-frames:
			if r.err != nil {
				if !tunnelerr.IsUnexpectedEOF(r.err) {
					s.logger.Debug("control recv", zap.String("peer", peer), zap.Error(r.err))
				}
				return
			}
			if r.frame == nil {
				return
			}
			switch r.frame.(type) {
			case protocol.Ping:
				if err := protocol.Send(conn, protocol.Pong{}); err != nil {
					return
				}
			default:
				s.logger.Warn("unexpected frame on registered session", zap.String("peer", peer))
			}

		case req, ok := <-consumer.C():
			if !ok {
				return
			}
			if err := protocol.Send(conn, protocol.Request{Key: req.Key, Host: req.Host}); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleResponse(conn net.Conn, resp protocol.Response) {
	slot, ok := s.rendezvous.Remove(resp.Key)
	if !ok {
		conn.Close()
		return
	}
	select {
	case slot <- conn:
	default:
		conn.Close()
	}
}

// makeKey derives a rendezvous key as MD5 over the host name, the
// current Unix time, and a random 64-bit value, so two forwards for the
// same host never collide.
func makeKey(host string) ([protocol.KeySize]byte, error) {
	h := md5.New()
	h.Write([]byte(host))

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(time.Now().Unix()))
	h.Write(tsBuf[:])

	var randBuf [8]byte
	if _, err := rand.Read(randBuf[:]); err != nil {
		var zero [protocol.KeySize]byte
		return zero, tunnelerr.NewIO("generate rendezvous key", err)
	}
	h.Write(randBuf[:])

	var key [protocol.KeySize]byte
	copy(key[:], h.Sum(nil))
	return key, nil
}
