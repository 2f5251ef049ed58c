// Package ssh provides the secure transport used by sshdirect tunnels.
//
// A [Transport] owns exactly one SSH client connection. It is created
// unconnected, connected once with [Transport.Connect], and released with
// [Transport.Close]. While connected it:
//   - sends keep-alive requests at a fixed interval
//   - reports out-of-band failures (keep-alive errors, remote resets) to a
//     single registered error handler, without closing itself
//   - opens "direct-tcpip" channels for local forwarders via DialContext
//   - tracks attached forwards so releasing the transport also stops them
//
// Example usage:
//
//	signers, _ := ssh.LoadSigners("agent")
//	hostKeyCallback, _ := ssh.NewHostKeyCallback("~/.ssh/known_hosts")
//
//	t, _ := ssh.NewTransport("ssh.example.com:22", ssh.ClientConfig{
//	    Username:        "user",
//	    Signers:         signers,
//	    HostKeyCallback: hostKeyCallback,
//	    KeepAlive:       time.Minute,
//	}, &net.Dialer{})
//	if err := t.Connect(ctx); err != nil { ... }
//	defer t.Close()
//
//	conn, err := t.DialContext(ctx, "tcp", "internal.example.com:80")
package ssh
