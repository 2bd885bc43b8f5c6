// Package netutil holds the gateway's network plumbing: the HTTP client used
// for the ingestion service and the connectivity monitor that triggers
// automatic syncs.
package netutil

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NewTransport builds the HTTP transport for ingestion traffic. Field tablets
// often carry stale CA bundles, so certificate verification can be turned
// off with insecure.
func NewTransport(insecure bool, logger *logrus.Logger) *http.Transport {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if insecure {
		logger.Debug("TLS certificate verification is disabled")
		tlsCfg.InsecureSkipVerify = true
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialContext(logger),
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
	}
}

func dialContext(logger *logrus.Logger) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			logger.WithFields(logrus.Fields{
				"host":  host,
				"local": IsLocalHost(host),
			}).Debug("Dialing")
		}
		return dialer.DialContext(ctx, network, addr)
	}
}

// IsLocalHost reports whether host is a loopback, private-range or
// .local/.lan name. Used to tell a LAN backend from a hosted one in logs.
func IsLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".lan")
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// NewHTTPClient returns a client with the given overall timeout.
func NewHTTPClient(timeout time.Duration, insecure bool, logger *logrus.Logger) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(insecure, logger),
	}
}
