package transports

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

const (
	DefaultPort = "8000"
	DefaultPath = "/ws"
)

// Endpoint is a normalized server location.
type Endpoint struct {
	// WebSocketURL is the ws:// or wss:// URL to dial.
	WebSocketURL string
	// HTTPBase is the matching http(s) origin, used to resolve media references.
	HTTPBase string
}

// NormalizeAddress accepts host, host:port or a ws/wss/http/https URL and
// fills in the default port and websocket path.
func NormalizeAddress(address, path string) (Endpoint, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Endpoint{}, errors.New("empty server address")
	}
	if path == "" {
		path = DefaultPath
	}
	if !strings.Contains(address, "://") {
		address = "ws://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return Endpoint{}, err
	}
	var wsScheme, httpScheme string
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		wsScheme, httpScheme = "ws", "http"
	case "wss", "https":
		wsScheme, httpScheme = "wss", "https"
	default:
		return Endpoint{}, errors.New("unsupported scheme " + u.Scheme)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return Endpoint{}, errors.New("missing host in " + address)
	}
	port := u.Port()
	if port == "" {
		port = DefaultPort
	}
	host := net.JoinHostPort(hostname, port)

	wsPath := u.Path
	if wsPath == "" || wsPath == "/" {
		wsPath = path
	}
	ws := url.URL{Scheme: wsScheme, Host: host, Path: wsPath, RawQuery: u.RawQuery}
	base := url.URL{Scheme: httpScheme, Host: host}
	return Endpoint{WebSocketURL: ws.String(), HTTPBase: base.String()}, nil
}
