// Package session manages the lifecycle of one SSH tunnel at a time: the SSH
// transport plus the local SOCKS5 listener that relays through it.
//
// A Manager owns both handles exclusively. Connect always tears down the
// previous session before building a new one, and every failure path runs
// the same ordered, best-effort teardown as Disconnect, so a Manager is
// either fully connected or fully torn down whenever a call returns.
package session
