package dialer

import (
	"net"
	"time"
)

// Config holds the settings shared by all dialers.
type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect. Zero means no limit.
	DialTimeout time.Duration
	// NegotiationTimeout bounds proxy negotiation. Zero means no limit.
	NegotiationTimeout time.Duration
	// KeepAlive is applied to every outbound TCP connection.
	KeepAlive net.KeepAliveConfig
}
