package gps

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol is the transport carrying the navigation stream.
type Protocol string

const (
	UDP Protocol = "UDP"
	TCP Protocol = "TCP"
)

// Defaults used when a parameter is left zero.
const (
	DefaultPort           = 50001
	DefaultBuffer         = 2048
	DefaultConnectTimeout = 5 * time.Second
)

// IPParams describes the navigation network connection. For UDP, Addr is the local
// interface to bind; for TCP it is the remote server.
type IPParams struct {
	Protocol       Protocol
	Addr           string
	Port           int
	Buffer         int
	ConnectTimeout time.Duration
}

// NewIPParams validates and returns connection parameters. The protocol is case
// insensitive; the address must be a dotted-quad IPv4 address.
func NewIPParams(protocol, addr string, port, buffer int, connectTimeout time.Duration) (IPParams, error) {
	p := IPParams{
		Protocol:       Protocol(strings.ToUpper(strings.TrimSpace(protocol))),
		Addr:           strings.TrimSpace(addr),
		Port:           port,
		Buffer:         buffer,
		ConnectTimeout: connectTimeout,
	}
	if p.Protocol != UDP && p.Protocol != TCP {
		return IPParams{}, fmt.Errorf("%q is not a valid protocol, must be either UDP or TCP", protocol)
	}
	if ip := net.ParseIP(p.Addr); ip == nil || ip.To4() == nil || strings.Count(p.Addr, ".") != 3 {
		return IPParams{}, fmt.Errorf("%q is not a valid IP address", addr)
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.Port < 1 || p.Port > 65535 {
		return IPParams{}, fmt.Errorf("port %d out of range 1-65535", port)
	}
	if p.Buffer == 0 {
		p.Buffer = DefaultBuffer
	}
	if p.Buffer < 0 {
		return IPParams{}, fmt.Errorf("buffer size %d must be positive", buffer)
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	return p, nil
}

// HostPort returns "addr:port".
func (p IPParams) HostPort() string {
	return net.JoinHostPort(p.Addr, strconv.Itoa(p.Port))
}
