// Package transport dials the raw net.Conn a Connection drives: DNS
// resolution, TCP connect, optional upstream proxy tunnel, and TLS upgrade.
// It owns none of the connection's lifecycle state — that belongs to
// internal/engine — and keeps no pool; the engine is single-connection,
// single-origin per spec §1/§2.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nimbuschat/pubsocket/internal/security"
	"github.com/nimbuschat/pubsocket/pkg/errors"
	"github.com/nimbuschat/pubsocket/pkg/timing"
	"github.com/nimbuschat/pubsocket/pkg/tlsconfig"
	netproxy "golang.org/x/net/proxy"
)

// tlsFallbackCode is the representative numeric code attached to a failed
// handshake, placing it inside the escalator's fallback-eligible range
// (spec §4.5: "-9818 through -9800 inclusive").
const tlsFallbackCode = -9810

// ProxyConfig describes an upstream proxy the Dialer should tunnel through
// before reaching the origin (spec §3: "proxy descriptor (optional
// mapping)").
type ProxyConfig struct {
	Type         string // "http", "https", "socks4", "socks5"
	Host         string
	Port         int
	Username     string
	Password     string
	ConnTimeout  time.Duration
	ProxyHeaders map[string]string
	TLSConfig    *tls.Config
}

// Config holds everything a single connect attempt needs.
type Config struct {
	Host string
	Port int

	ConnTimeout time.Duration
	DNSTimeout  time.Duration

	Proxy *ProxyConfig

	Security *security.Options // nil means cleartext (spec §4.5: Cleartext has no TLS options)

	ClientCertPEM  []byte
	ClientKeyPEM   []byte
	ClientCertFile string
	ClientKeyFile  string
}

// Metadata records what a connect attempt actually did. The engine writes
// selected fields into its "connection established" log entry; the
// Connection does not keep or expose it.
type Metadata struct {
	ConnectedIP   string
	ConnectedPort int
	LocalAddr     string
	RemoteAddr    string
	ConnectionID  uint64

	TLSVersion           string
	TLSVersionDeprecated bool
	TLSCipherSuite       string
	TLSServerName        string
	TLSSessionID         string
	TLSResumed           bool

	ProxyUsed bool
	ProxyType string
	ProxyAddr string
}

// Dialer produces the net.Conn for one connect attempt. It is stateless
// apart from a connection-ID counter and a resolver, so a Connection can
// hold its own Dialer without any cross-connection sharing.
type Dialer struct {
	resolver     *net.Resolver
	idCounter    uint64
}

// NewDialer returns a Dialer using the default resolver.
func NewDialer() *Dialer {
	return &Dialer{resolver: net.DefaultResolver}
}

// NewDialerWithResolver returns a Dialer using a caller-supplied resolver,
// useful for tests that want deterministic DNS behavior.
func NewDialerWithResolver(resolver *net.Resolver) *Dialer {
	return &Dialer{resolver: resolver}
}

// Dial establishes one connection per Config: resolve, connect (direct or
// via proxy), then TLS upgrade if cfg.Security is non-nil.
func (d *Dialer) Dial(ctx context.Context, cfg Config, timer *timing.Timer) (net.Conn, *Metadata, error) {
	if cfg.Host == "" {
		return nil, nil, errors.NewValidationError("host cannot be empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, nil, errors.NewValidationError("port must be between 1 and 65535")
	}

	meta := &Metadata{}

	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 10 * time.Second
	}

	dialAddr, err := d.resolveAddress(ctx, cfg, timer)
	if err != nil {
		return nil, nil, err
	}

	host, portStr, _ := net.SplitHostPort(dialAddr)
	meta.ConnectedIP = host
	if port, convErr := strconv.Atoi(portStr); convErr == nil {
		meta.ConnectedPort = port
	}

	var conn net.Conn
	if cfg.Proxy != nil {
		conn, err = d.connectViaProxy(ctx, cfg, dialAddr, connTimeout, timer, meta)
	} else {
		conn, err = d.connectTCP(ctx, dialAddr, connTimeout, timer)
	}
	if err != nil {
		return nil, nil, errors.NewConnectionError(cfg.Host, cfg.Port, err)
	}

	if conn.LocalAddr() != nil {
		meta.LocalAddr = conn.LocalAddr().String()
	}
	if conn.RemoteAddr() != nil {
		meta.RemoteAddr = conn.RemoteAddr().String()
	}
	meta.ConnectionID = atomic.AddUint64(&d.idCounter, 1)

	if cfg.Security != nil {
		tlsConn, tlsErr := d.upgradeTLS(ctx, conn, cfg, timer, meta)
		if tlsErr != nil {
			conn.Close()
			// The escalator (internal/engine) recognizes a TLS error as
			// fallback-eligible by numeric code (spec §4.5); a handshake
			// failure against the current security level always falls in
			// that range, since it's exactly what triggers the escalation.
			return nil, nil, errors.NewTLSErrorCode(cfg.Host, cfg.Port, tlsFallbackCode, tlsErr)
		}
		conn = tlsConn
	}

	return conn, meta, nil
}

func (d *Dialer) resolveAddress(ctx context.Context, cfg Config, timer *timing.Timer) (string, error) {
	timer.StartDNS()
	defer timer.EndDNS()

	dnsTimeout := cfg.DNSTimeout
	if dnsTimeout <= 0 {
		dnsTimeout = 5 * time.Second
	}

	lookupCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := d.resolver.LookupIPAddr(lookupCtx, cfg.Host)
	if err != nil {
		return "", errors.NewDNSError(cfg.Host, err)
	}
	if len(addrs) == 0 {
		return "", errors.NewDNSError(cfg.Host, errors.NewValidationError("no IP addresses found"))
	}

	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(cfg.Port)), nil
}

func (d *Dialer) connectTCP(ctx context.Context, dialAddr string, timeout time.Duration, timer *timing.Timer) (net.Conn, error) {
	timer.StartTCP()
	defer timer.EndTCP()

	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return dialer.DialContext(ctx, "tcp", dialAddr)
}

func (d *Dialer) upgradeTLS(ctx context.Context, conn net.Conn, cfg Config, timer *timing.Timer, meta *Metadata) (net.Conn, error) {
	timer.StartTLS()
	defer timer.EndTLS()

	handshakeTimeout := cfg.ConnTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	tlsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	tlsConfig := cfg.Security.TLSConfig(cfg.Host)

	clientCert, err := d.loadClientCertificate(cfg)
	if err != nil {
		return nil, err
	}
	if clientCert != nil {
		tlsConfig.Certificates = append(tlsConfig.Certificates, *clientCert)
	}

	meta.TLSServerName = tlsConfig.ServerName

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, err
	}

	state := tlsConn.ConnectionState()
	meta.TLSVersion = tlsconfig.GetVersionName(state.Version)
	meta.TLSVersionDeprecated = tlsconfig.IsVersionDeprecated(state.Version)
	meta.TLSCipherSuite = tlsconfig.GetCipherSuiteName(state.CipherSuite)
	meta.TLSResumed = state.DidResume
	if len(state.TLSUnique) > 0 {
		meta.TLSSessionID = hex.EncodeToString(state.TLSUnique)
	}

	return tlsConn, nil
}

func (d *Dialer) loadClientCertificate(cfg Config) (*tls.Certificate, error) {
	hasPEM := len(cfg.ClientCertPEM) > 0 && len(cfg.ClientKeyPEM) > 0
	hasFile := cfg.ClientCertFile != "" && cfg.ClientKeyFile != ""
	if !hasPEM && !hasFile {
		return nil, nil
	}

	certPEM, keyPEM := cfg.ClientCertPEM, cfg.ClientKeyPEM
	if !hasPEM {
		var err error
		certPEM, err = os.ReadFile(cfg.ClientCertFile)
		if err != nil {
			return nil, fmt.Errorf("reading client certificate file %s: %w", cfg.ClientCertFile, err)
		}
		keyPEM, err = os.ReadFile(cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading client key file %s: %w", cfg.ClientKeyFile, err)
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client certificate/key: %w", err)
	}
	return &cert, nil
}

// connectViaProxy dispatches to the proxy-type-specific dialer.
func (d *Dialer) connectViaProxy(ctx context.Context, cfg Config, targetAddr string, timeout time.Duration, timer *timing.Timer, meta *Metadata) (net.Conn, error) {
	proxy := cfg.Proxy
	if proxy.Host == "" {
		return nil, errors.NewValidationError("proxy host cannot be empty")
	}

	proxyPort := proxy.Port
	if proxyPort == 0 {
		switch proxy.Type {
		case "http":
			proxyPort = 8080
		case "https":
			proxyPort = 443
		case "socks4", "socks5":
			proxyPort = 1080
		default:
			return nil, errors.NewValidationError(fmt.Sprintf("unsupported proxy type: %s", proxy.Type))
		}
	}

	proxyTimeout := proxy.ConnTimeout
	if proxyTimeout <= 0 {
		proxyTimeout = timeout
	}

	proxyAddr := fmt.Sprintf("%s:%d", proxy.Host, proxyPort)
	meta.ProxyUsed = true
	meta.ProxyType = proxy.Type
	meta.ProxyAddr = proxyAddr

	timer.StartTCP()
	defer timer.EndTCP()

	var conn net.Conn
	var err error
	switch proxy.Type {
	case "http", "https":
		conn, err = d.connectViaHTTPProxy(ctx, proxy, proxyAddr, cfg, targetAddr, proxyTimeout)
	case "socks4":
		conn, err = d.connectViaSOCKS4Proxy(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	case "socks5":
		conn, err = d.connectViaSOCKS5Proxy(proxy, proxyAddr, targetAddr, proxyTimeout)
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported proxy type: %s", proxy.Type))
	}
	if err != nil {
		return nil, errors.NewProxyError(proxy.Type, proxyAddr, "connect", err)
	}
	return conn, nil
}

// connectViaHTTPProxy tunnels via HTTP/HTTPS CONNECT (RFC 9110 §9.3.6).
func (d *Dialer) connectViaHTTPProxy(ctx context.Context, proxy *ProxyConfig, proxyAddr string, cfg Config, targetAddr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connecting to proxy: %w", err)
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

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n", targetAddr, cfg.Host)
	for key, value := range proxy.ProxyHeaders {
		connectReq += fmt.Sprintf("%s: %s\r\n", key, value)
	}
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		connectReq += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", auth)
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending CONNECT request: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading CONNECT response: %w", err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("reading CONNECT response headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	return conn, nil
}

// connectViaSOCKS4Proxy connects through a SOCKS4 proxy (IPv4 only, no auth
// beyond an optional user ID).
func (d *Dialer) connectViaSOCKS4Proxy(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution for %s: %w", host, err)
	}
	var targetIP net.IP
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			targetIP = ip4
			break
		}
	}
	if targetIP == nil {
		return nil, fmt.Errorf("no IPv4 address for %s (SOCKS4 requires IPv4)", host)
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connecting to SOCKS4 proxy: %w", err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending SOCKS4 request: %w", err)
	}

	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading SOCKS4 response: %w", err)
	}

	switch resp[1] {
	case 0x5A:
		return conn, nil
	case 0x5B:
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 request rejected")
	case 0x5C, 0x5D:
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 identd failure (status 0x%02X)", resp[1])
	default:
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 unknown status 0x%02X", resp[1])
	}
}

// connectViaSOCKS5Proxy connects through a SOCKS5 proxy via x/net/proxy,
// which also handles IPv6 and proxy-side DNS resolution.
func (d *Dialer) connectViaSOCKS5Proxy(proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}

	dialer, err := netproxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("creating SOCKS5 dialer: %w", err)
	}

	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 connect: %w", err)
	}
	return conn, nil
}
