// Package socks5 holds the SOCKS5 handshake pieces sshdirect needs on both
// sides of a connection: the server side used by the local forwarding
// listener, and the client side used to reach an SSH host through an upstream
// SOCKS5 proxy.
//
// Wire types come from github.com/txthinking/socks5; this package only adds
// negotiation policy and error handling. It is not a full SOCKS5
// implementation: CONNECT is the only command, and BIND/UDP ASSOCIATE are
// answered with "command not supported".
package socks5
