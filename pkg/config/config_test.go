package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseForwardSplitsAtFirstColon(t *testing.T) {
	host, dest, err := parseForward("a.example.com:127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "a.example.com", host)
	assert.Equal(t, "127.0.0.1:8080", dest)
}

func TestParseForwardRejectsMissingColon(t *testing.T) {
	_, _, err := parseForward("a.example.com")
	assert.Error(t, err)
}

func TestParseForwardRejectsEmptyDestination(t *testing.T) {
	_, _, err := parseForward("a.example.com:")
	assert.Error(t, err)
}

func TestParseForwardRejectsEmptyHost(t *testing.T) {
	_, _, err := parseForward(":127.0.0.1:80")
	assert.Error(t, err)
}

func TestClientFlagsParsePopulatesForwards(t *testing.T) {
	f := &ClientFlags{
		ServerAddr: "tunnel.example:8443",
		CertFile:   "client.pem",
		KeyFile:    "client.key",
		Forward:    []string{"a.example.com:127.0.0.1:80", "b.example.com:127.0.0.1:81"},
	}
	require.NoError(t, f.Parse())
	assert.Equal(t, "127.0.0.1:80", f.Forwards["a.example.com"])
	assert.Equal(t, "127.0.0.1:81", f.Forwards["b.example.com"])
	assert.Empty(t, f.Proxies)
}

func TestClientFlagsParseRequiresServerAddr(t *testing.T) {
	f := &ClientFlags{CertFile: "c", KeyFile: "k", Forward: []string{"a:b"}}
	assert.Error(t, f.Parse())
}

func TestClientFlagsParseRequiresForward(t *testing.T) {
	f := &ClientFlags{ServerAddr: "s:1", CertFile: "c", KeyFile: "k"}
	assert.Error(t, f.Parse())
}

func TestParseProxyFlagSingleURLAppliesToAllHosts(t *testing.T) {
	forwards := map[string]string{"a.example.com": "x", "b.example.com": "y"}
	proxies, err := parseProxyFlag("socks5://proxy.example:1080", forwards)
	require.NoError(t, err)
	require.Len(t, proxies, 2)
	assert.Equal(t, "proxy.example", proxies["a.example.com"].Host)
	assert.Equal(t, "proxy.example", proxies["b.example.com"].Host)
}

func TestParseProxyFlagPerHostMapping(t *testing.T) {
	forwards := map[string]string{"a.example.com": "x", "b.example.com": "y"}
	proxies, err := parseProxyFlag("a.example.com=socks5://p1:1080,b.example.com=http://p2:8080", forwards)
	require.NoError(t, err)
	require.Len(t, proxies, 2)
	assert.Equal(t, "p1", proxies["a.example.com"].Host)
	assert.Equal(t, "p2", proxies["b.example.com"].Host)
}

func TestParseProxyFlagEmptyMeansNoProxies(t *testing.T) {
	proxies, err := parseProxyFlag("", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Empty(t, proxies)
}

func TestServerFlagsValidateRequiresCertAndKey(t *testing.T) {
	f := ServerFlags{}
	assert.Error(t, f.Validate())
	f.HTTPKeyFile, f.HTTPCertFile = "hk", "hc"
	assert.Error(t, f.Validate())
	f.ServerKeyFile, f.ServerCertFile = "sk", "sc"
	assert.NoError(t, f.Validate())
}
