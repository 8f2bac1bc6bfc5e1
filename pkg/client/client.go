// Package client dials a forward's origin connection, optionally through an
// upstream HTTP CONNECT, SOCKS4, or SOCKS5 proxy.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"

	"github.com/kadeem-park/revtun/pkg/tunnelerr"
)

// ProxyConfig describes an upstream proxy a forward's origin dial should go
// through instead of connecting directly.
//
// Supported types: "http", "https" (HTTP CONNECT, optionally over TLS to
// the proxy itself), "socks4", "socks5".
type ProxyConfig struct {
	Type     string
	Host     string
	Port     int
	Username string
	Password string

	// ConnTimeout bounds the dial to the proxy itself. Zero means the
	// caller's own dial timeout is used.
	ConnTimeout time.Duration

	// ProxyHeaders are added to the HTTP CONNECT request. Ignored for
	// SOCKS proxies.
	ProxyHeaders map[string]string

	// TLSConfig configures the TLS connection to an "https" proxy.
	// Ignored for every other type.
	TLSConfig *tls.Config
}

// ParseProxyURL parses a proxy URL of the form
// scheme://[user[:pass]@]host[:port] into a ProxyConfig. scheme must be one
// of "http", "https", "socks4", "socks5". A missing port is filled in with
// the scheme's conventional default (8080 for http, 443 for https, 1080 for
// socks4/socks5).
func ParseProxyURL(proxyURL string) (*ProxyConfig, error) {
	if proxyURL == "" {
		return nil, fmt.Errorf("proxy URL cannot be empty")
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	scheme := u.Scheme
	switch scheme {
	case "http", "https", "socks4", "socks5":
	case "":
		return nil, fmt.Errorf("proxy URL must include scheme (http://, https://, socks4://, or socks5://)")
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("proxy URL must include host")
	}

	var port int
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy port: %s", portStr)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("proxy port must be between 1 and 65535, got: %d", port)
		}
	} else {
		switch scheme {
		case "http":
			port = 8080
		case "https":
			port = 443
		case "socks4", "socks5":
			port = 1080
		}
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyConfig{
		Type:     scheme,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}, nil
}

// DialOrigin connects to targetAddr ("host:port"), directly if proxy is
// nil, otherwise through the configured upstream proxy. timeout bounds the
// TCP connect: to targetAddr for a direct dial, or to the proxy when
// proxy.ConnTimeout is zero. It does not bound the proxy handshake (TLS to
// an "https" proxy, the CONNECT exchange, or the SOCKS exchange).
func DialOrigin(ctx context.Context, proxy *ProxyConfig, targetAddr string, timeout time.Duration) (net.Conn, error) {
	if proxy == nil {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", targetAddr)
		if err != nil {
			return nil, tunnelerr.NewIO("dial origin", err)
		}
		return conn, nil
	}

	proxyTimeout := proxy.ConnTimeout
	if proxyTimeout <= 0 {
		proxyTimeout = timeout
	}
	proxyAddr := net.JoinHostPort(proxy.Host, strconv.Itoa(proxy.Port))

	var conn net.Conn
	var err error
	switch proxy.Type {
	case "http", "https":
		conn, err = connectViaHTTPProxy(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	case "socks4":
		conn, err = connectViaSOCKS4Proxy(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	case "socks5":
		conn, err = connectViaSOCKS5Proxy(proxy, proxyAddr, targetAddr, proxyTimeout)
	default:
		return nil, tunnelerr.NewConfigInvalid(fmt.Sprintf("unsupported proxy type: %s", proxy.Type))
	}
	if err != nil {
		return nil, tunnelerr.NewProxy(fmt.Sprintf("connect via %s proxy %s", proxy.Type, proxyAddr), err)
	}
	return conn, nil
}

// connectViaHTTPProxy tunnels to targetAddr through an HTTP/HTTPS CONNECT
// proxy.
func connectViaHTTPProxy(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}

	if proxy.Type == "https" {
		tlsConfig := proxy.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: proxy.Host}
		} else {
			tlsConfig = tlsConfig.Clone()
			if tlsConfig.ServerName == "" {
				tlsConfig.ServerName = proxy.Host
			}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake to proxy: %w", err)
		}
		conn = tlsConn
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr)
	for k, v := range proxy.ProxyHeaders {
		req += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", auth)
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT request: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read CONNECT response headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	return conn, nil
}

// connectViaSOCKS4Proxy tunnels to targetAddr through a SOCKS4 proxy.
// SOCKS4 is IPv4-only, so the target host is resolved locally first.
func connectViaSOCKS4Proxy(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 address found for %s (SOCKS4 requires IPv4): %w", host, err)
	}
	targetIP := ips[0].To4()

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to SOCKS4 proxy: %w", err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send SOCKS4 request: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read SOCKS4 response: %w", err)
	}
	if resp[1] != 0x5A {
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 request rejected: status 0x%02X", resp[1])
	}
	return conn, nil
}

// connectViaSOCKS5Proxy tunnels to targetAddr through a SOCKS5 proxy using
// golang.org/x/net/proxy rather than a hand-rolled implementation.
func connectViaSOCKS5Proxy(proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}

	dialer, err := netproxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 connect: %w", err)
	}
	return conn, nil
}
