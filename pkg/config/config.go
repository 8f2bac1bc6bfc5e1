// Package config defines the command-line surface for the tunnel Server
// and Client binaries.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/kadeem-park/revtun/pkg/client"
)

// ServerFlags holds the Server engine's command-line configuration.
// HTTP* governs the externally reachable HTTPS listener (no client
// auth); Addr/Server* governs the Client-facing control listener
// (mutual TLS).
type ServerFlags struct {
	HTTPAddr     string
	HTTPKeyFile  string
	HTTPCertFile string

	Addr           string
	ServerKeyFile  string
	ServerCertFile string

	MetricsAddr string
	LogLevel    string
}

// RegisterServerFlags binds ServerFlags fields onto fs.
func RegisterServerFlags(fs *pflag.FlagSet, f *ServerFlags) {
	fs.StringVar(&f.HTTPAddr, "http-addr", ":443", "address the externally reachable HTTPS listener binds to")
	fs.StringVar(&f.HTTPKeyFile, "http-key", "", "HTTPS listener private key (PEM)")
	fs.StringVar(&f.HTTPCertFile, "http-cert", "", "HTTPS listener certificate chain (PEM)")
	fs.StringVar(&f.Addr, "addr", ":8443", "address the Client-facing mTLS control listener binds to")
	fs.StringVar(&f.ServerKeyFile, "server-key", "", "control listener private key (PEM)")
	fs.StringVar(&f.ServerCertFile, "server-cert", "", "control listener certificate chain (PEM); its first certificate is the trust anchor Clients must chain to")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "address to expose Prometheus metrics on (empty disables it)")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level: debug, info, warn, error (defaults to TUNNEL_LOG_LEVEL or info)")
}

// Validate checks that the required Server fields were supplied.
func (f ServerFlags) Validate() error {
	if f.HTTPKeyFile == "" || f.HTTPCertFile == "" {
		return fmt.Errorf("--http-key and --http-cert are required")
	}
	if f.ServerKeyFile == "" || f.ServerCertFile == "" {
		return fmt.Errorf("--server-key and --server-cert are required")
	}
	return nil
}

// ClientFlags holds the Client engine's command-line configuration.
type ClientFlags struct {
	ServerAddr string
	CertFile   string
	KeyFile    string
	Forward    []string
	Proxy      string
	LogLevel   string

	// Forwards and Proxies are populated by Parse from Forward/Proxy.
	Forwards map[string]string
	Proxies  map[string]*client.ProxyConfig
}

// RegisterClientFlags binds ClientFlags fields onto fs.
func RegisterClientFlags(fs *pflag.FlagSet, f *ClientFlags) {
	fs.StringVarP(&f.ServerAddr, "server-addr", "s", "", "tunnel Server's control address, \"host:port\"")
	fs.StringVarP(&f.CertFile, "client-cert", "c", "", "client certificate bundle (PEM)")
	fs.StringVarP(&f.KeyFile, "client-key", "k", "", "client private key (PEM)")
	fs.StringArrayVarP(&f.Forward, "forward", "f", nil, "forward mapping \"host:destination\", e.g. \"a.example.com:127.0.0.1:8080\"; repeatable")
	fs.StringVar(&f.Proxy, "proxy", "", "upstream proxy mapping(s) \"host=proxyURL[,host=proxyURL...]\", or a single proxyURL applied to every host")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level: debug, info, warn, error (defaults to TUNNEL_LOG_LEVEL or info)")
}

// Parse validates ServerAddr/CertFile/KeyFile, splits each --forward entry
// at its first colon into a virtual host and a destination address, and
// parses --proxy into per-host ProxyConfigs. It populates Forwards/Proxies
// and must be called once flag parsing has completed.
func (f *ClientFlags) Parse() error {
	if f.ServerAddr == "" {
		return fmt.Errorf("--server-addr is required")
	}
	if f.CertFile == "" || f.KeyFile == "" {
		return fmt.Errorf("--client-cert and --client-key are required")
	}
	if len(f.Forward) == 0 {
		return fmt.Errorf("at least one --forward mapping is required")
	}

	f.Forwards = make(map[string]string, len(f.Forward))
	for _, spec := range f.Forward {
		host, dest, err := parseForward(spec)
		if err != nil {
			return err
		}
		f.Forwards[host] = dest
	}

	proxies, err := parseProxyFlag(f.Proxy, f.Forwards)
	if err != nil {
		return err
	}
	f.Proxies = proxies

	return nil
}

// parseForward splits "host:destination" at the first colon, matching
// this system's forward-mapping syntax (the destination address itself
// contains a colon, so splitting at the last one would be wrong).
func parseForward(spec string) (host, destination string, err error) {
	i := strings.IndexByte(spec, ':')
	if i <= 0 || i >= len(spec)-1 {
		return "", "", fmt.Errorf("invalid --forward mapping %q: want \"host:destination\"", spec)
	}
	return spec[:i], spec[i+1:], nil
}

// parseProxyFlag parses --proxy. An empty value means no proxy for any
// host. A value with no "=" is a single proxy URL applied to every
// registered host. Otherwise it is a comma-separated list of
// "host=proxyURL" pairs, one per forwarded host that should use a proxy;
// hosts not mentioned dial directly.
func parseProxyFlag(spec string, forwards map[string]string) (map[string]*client.ProxyConfig, error) {
	result := make(map[string]*client.ProxyConfig)
	if spec == "" {
		return result, nil
	}

	if !strings.Contains(spec, "=") {
		cfg, err := client.ParseProxyURL(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid --proxy: %w", err)
		}
		for host := range forwards {
			result[host] = cfg
		}
		return result, nil
	}

	for _, pair := range strings.Split(spec, ",") {
		i := strings.IndexByte(pair, '=')
		if i <= 0 {
			return nil, fmt.Errorf("invalid --proxy entry %q: want \"host=proxyURL\"", pair)
		}
		host, url := pair[:i], pair[i+1:]
		cfg, err := client.ParseProxyURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid --proxy entry for %q: %w", host, err)
		}
		result[host] = cfg
	}
	return result, nil
}
