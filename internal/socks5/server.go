package socks5

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrUnsupportedCommand is returned by ServerHandshake for anything but CONNECT.
var ErrUnsupportedCommand = errors.New("socks5: unsupported command")

// ServerNegotiate performs method negotiation, requiring username/password
// authentication when auth.Username is set and no authentication otherwise.
func ServerNegotiate(conn net.Conn, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if auth.Username != "" {
		if !slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword) {
			writeNoAcceptableMethods(conn)
			return errors.New("client does not support username/password")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return errors.New("auth failed")
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		return nil
	}

	if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
		writeNoAcceptableMethods(conn)
		return errors.New("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads the client's command request.
func ServerReadRequest(conn net.Conn) (*txsocks5.Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return req, nil
}

// ServerHandshake negotiates with a connecting client and reads its request.
// It returns the requested destination for a CONNECT; other commands are
// answered and reported as ErrUnsupportedCommand. The caller must finish the
// exchange with WriteSuccessReply or one of the failure replies.
func ServerHandshake(conn net.Conn, auth Auth) (*txsocks5.Request, error) {
	if err := ServerNegotiate(conn, auth); err != nil {
		return nil, err
	}

	req, err := ServerReadRequest(conn)
	if err != nil {
		return nil, err
	}
	if req.Cmd != CmdConnect {
		WriteCommandNotSupportedReply(conn, req.Atyp)
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCommand, req.Cmd)
	}
	return req, nil
}
