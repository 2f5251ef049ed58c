// Package dialer provides the outbound dialers sshdirect uses to reach an SSH
// server: directly, or through an upstream HTTP CONNECT or SOCKS5 proxy.
//
// Every dialer implements [Dialer], which matches the DialContext method of
// net.Dialer, and honors context cancellation during both the TCP connect and
// any proxy negotiation.
package dialer
