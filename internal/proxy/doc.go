// Package proxy implements the local SOCKS5 forwarding listener that relays
// accepted connections through an SSH transport, plus shared connection
// plumbing such as keepalive listeners and bidirectional copy.
package proxy
