package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kadeem-park/revtun/pkg/metrics"
	"github.com/kadeem-park/revtun/pkg/protocol"
)

// generateSelfSigned returns a tls.Certificate usable as both a server and
// client certificate, and its parsed leaf, for use as its own trust
// anchor (mirroring this system's "first element of the chain is the
// trust anchor" convention with a one-certificate chain).
func generateSelfSigned(t *testing.T) (tls.Certificate, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, leaf
}

func newTestServer(t *testing.T) (*Server, tls.Certificate, *x509.Certificate) {
	t.Helper()
	cert, leaf := generateSelfSigned(t)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	httpsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	controlCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}

	srv := New(Config{
		HTTPSTLSConfig:    httpsCfg,
		ControlTLSConfig:  controlCfg,
		SniffTimeout:      2 * time.Second,
		RendezvousTimeout: 500 * time.Millisecond,
	}, zap.NewNop(), metrics.New())

	return srv, cert, leaf
}

func dialControl(t *testing.T, addr string, cert tls.Certificate, leaf *x509.Certificate) *tls.Conn {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	conn, err := tls.Dial("tcp", addr, &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   "localhost",
	})
	require.NoError(t, err)
	return conn
}

func TestRegisterThenForwardSplicesData(t *testing.T) {
	srv, cert, leaf := newTestServer(t)

	controlLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer controlLn.Close()

	httpsLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer httpsLn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeControl(ctx, controlLn)
	go srv.ServeHTTPS(ctx, httpsLn)

	control := dialControl(t, controlLn.Addr().String(), cert, leaf)
	defer control.Close()

	require.NoError(t, protocol.Send(control, protocol.Register{Hosts: []string{"a.example.com"}}))

	recv := protocol.NewReceiver()
	frame, err := recv.Recv(control)
	require.NoError(t, err)
	assert.IsType(t, protocol.Ok{}, frame)

	extRaw, err := tls.Dial("tcp", httpsLn.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer extRaw.Close()

	_, err = extRaw.Write([]byte("GET / HTTP/1.1\r\nHost: a.example.com\r\n\r\n"))
	require.NoError(t, err)

	frame, err = recv.Recv(control)
	require.NoError(t, err)
	req, ok := frame.(protocol.Request)
	require.True(t, ok)
	assert.Equal(t, "a.example.com", req.Host)

	backRaw, err := tls.Dial("tcp", controlLn.Addr().String(), &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      singleCertPool(leaf),
		ServerName:   "localhost",
	})
	require.NoError(t, err)
	defer backRaw.Close()
	require.NoError(t, protocol.Send(backRaw, protocol.Response{Key: req.Key}))

	extRaw.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := backRaw.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "a.example.com")

	_, err = backRaw.Write([]byte("HTTP/1.1 200 OK\r\ncontent-length: 2\r\n\r\nok"))
	require.NoError(t, err)

	buf = make([]byte, 4096)
	n, err = extRaw.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "200 OK")
}

func TestForwardToUnregisteredHostReturns502(t *testing.T) {
	srv, _, _ := newTestServer(t)

	httpsLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer httpsLn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeHTTPS(ctx, httpsLn)

	conn, err := tls.Dial("tcp", httpsLn.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: unregistered.example\r\n\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "502")

	assert.Equal(t, float64(1), testutil.ToFloat64(
		srv.metrics.ForwardRequests.WithLabelValues(metrics.OutcomeNoClient)))
}

func TestOverlappingRegisterIsRejected(t *testing.T) {
	srv, cert, leaf := newTestServer(t)

	controlLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer controlLn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ServeControl(ctx, controlLn)

	first := dialControl(t, controlLn.Addr().String(), cert, leaf)
	defer first.Close()
	require.NoError(t, protocol.Send(first, protocol.Register{Hosts: []string{"dup.example"}}))
	recv1 := protocol.NewReceiver()
	frame, err := recv1.Recv(first)
	require.NoError(t, err)
	require.IsType(t, protocol.Ok{}, frame)

	second := dialControl(t, controlLn.Addr().String(), cert, leaf)
	defer second.Close()
	require.NoError(t, protocol.Send(second, protocol.Register{Hosts: []string{"dup.example"}}))
	recv2 := protocol.NewReceiver()
	frame, err = recv2.Recv(second)
	require.NoError(t, err)
	assert.IsType(t, protocol.Reject{}, frame)
}

func singleCertPool(leaf *x509.Certificate) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return pool
}
