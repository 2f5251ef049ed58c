package proxy

import (
	"log"
	"net"
	"time"

	"github.com/die-net/sshdirect/internal/dialer"
	"github.com/die-net/sshdirect/internal/socks5"
)

// Config configures a SOCKS5Listener.
type Config struct {
	// NegotiationTimeout bounds the SOCKS5 handshake with a local client.
	NegotiationTimeout time.Duration

	// KeepAlive is applied to accepted client connections.
	KeepAlive net.KeepAliveConfig

	// Auth, when Username is set, requires local clients to authenticate
	// with username/password. Otherwise clients connect without auth.
	Auth socks5.Auth

	// Dialer opens the remote side of each relayed connection.
	Dialer dialer.Dialer

	// Logger receives per-connection failures when Verbose is set. Nil means
	// log.Default().
	Logger  *log.Logger
	Verbose bool
}
