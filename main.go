package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/die-net/sshdirect/internal/config"
	"github.com/die-net/sshdirect/internal/control"
	"github.com/die-net/sshdirect/internal/dialer"
	"github.com/die-net/sshdirect/internal/session"
	"github.com/die-net/sshdirect/internal/socks5"
	"github.com/die-net/sshdirect/internal/ssh"
	"github.com/die-net/sshdirect/internal/state"
	"github.com/die-net/sshdirect/internal/store"
)

const (
	passwordEnv      = "SSHDIRECT_PASSWORD"
	socksPasswordEnv = "SSHDIRECT_SOCKS_PASSWORD"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	defaults := config.DefaultSettings()

	var (
		host     = pflag.String("host", "", "SSH server host")
		port     = pflag.Int("port", config.DefaultSSHPort, "SSH server port")
		user     = pflag.String("user", "", "SSH username")
		name     = pflag.String("name", "", "Display name for the connection")
		password = pflag.String("password", "", "SSH password (prefer $"+passwordEnv+" or the interactive prompt)")

		profile       = pflag.String("profile", "", "Load the connection with this ID from the store instead of --host/--user")
		save          = pflag.Bool("save", false, "Save the connection given by --host/--user to the store and print its ID")
		list          = pflag.Bool("list", false, "List the connections in the store and exit")
		deleteID      = pflag.String("delete", "", "Delete the connection with this ID from the store and exit")
		redisAddr     = pflag.String("redis-addr", "", "Redis address for the connection store (e.g. 127.0.0.1:6379)")
		redisPassword = pflag.String("redis-password", "", "Redis password")
		redisDB       = pflag.Int("redis-db", 0, "Redis database number")

		bindAddress = pflag.String("bind-address", defaults.BindAddress, "SOCKS5 proxy bind address")
		bindPort    = pflag.Int("bind-port", defaults.BindPort, "SOCKS5 proxy bind port")
		timeout     = pflag.Int("timeout", defaults.TimeoutSeconds, "SSH connect timeout in seconds; 0 waits indefinitely")
		keepAlive   = pflag.Int("keepalive", defaults.KeepAliveSeconds, "SSH keep-alive interval in seconds; 0 uses the default of 60")
		maxRetries  = pflag.Int("max-retries", defaults.MaxRetries, "Connection attempts retried after a failure before giving up")
		socksUser   = pflag.String("socks-user", "", "Require this username from SOCKS5 clients; empty allows unauthenticated clients")
		socksPass   = pflag.String("socks-password", "", "Password for --socks-user (prefer $"+socksPasswordEnv+")")

		upstream           = pflag.String("upstream", defaultUpstream(), "Route the SSH connection through: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
		debugListen        = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for proxy protocol negotiation")
		sshKeyPath         = pflag.String("ssh-key", defaultSSHKeyPath(), "SSH key source: 'agent' for SSH agent, path to private key file, or empty to disable")
		sshKnownHosts      = pflag.String("ssh-known-hosts", defaultSSHKnownHostsPath(), "Path to known_hosts file for SSH host key verification, or empty to disable")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose            = pflag.Bool("verbose", false, "Enable per-connection error logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	settings := config.Settings{
		BindAddress:      *bindAddress,
		BindPort:         *bindPort,
		TimeoutSeconds:   *timeout,
		KeepAliveSeconds: *keepAlive,
		MaxRetries:       *maxRetries,
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := checkStoreFlags(*redisAddr, *profile, *save, *list, *deleteID); err != nil {
		return err
	}

	var descriptors store.Store
	if *redisAddr != "" {
		r, err := store.NewRedis(ctx, store.RedisOptions{Addr: *redisAddr, Password: *redisPassword, DB: *redisDB})
		if err != nil {
			return err
		}
		defer r.Close()
		descriptors = r
	}

	if ran, err := storeCommand(ctx, descriptors, os.Stdout, *list, *deleteID); ran || err != nil {
		return err
	}

	var d config.Descriptor
	if *profile != "" {
		d, err = descriptors.Get(ctx, *profile)
		if err != nil {
			return fmt.Errorf("load profile %q: %w", *profile, err)
		}
	} else {
		d = config.Descriptor{Name: *name, Host: *host, Port: *port, Username: *user, Secret: *password}
		if d.Secret == "" {
			d.Secret = os.Getenv(passwordEnv)
		}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("%w (set --host and --user, or --profile)", err)
		}
		if *save {
			if d, err = descriptors.Put(ctx, d); err != nil {
				return err
			}
			log.Printf("saved connection %s as %s", d.DisplayName(), d.ID)
			return nil
		}
	}

	sshCfg := ssh.ClientConfig{}
	sshCfg.Signers, err = ssh.LoadSigners(ctx, *sshKeyPath, promptPassphrase)
	if err != nil {
		return fmt.Errorf("ssh key: %w", err)
	}
	if *sshKnownHosts != "" {
		sshCfg.HostKeyCallback, err = ssh.NewHostKeyCallback(*sshKnownHosts, log.Printf)
		if err != nil {
			return fmt.Errorf("ssh known hosts: %w", err)
		}
	}

	if d.Secret == "" && len(sshCfg.Signers) == 0 {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("no password or key for %s (set $%s or --ssh-key)", d.DisplayName(), passwordEnv)
		}
		if d.Secret, err = promptPassword(d); err != nil {
			return err
		}
	}

	proxyAuth := socks5.Auth{Username: *socksUser, Password: *socksPass}
	if proxyAuth.Password == "" {
		proxyAuth.Password = os.Getenv(socksPasswordEnv)
	}
	if proxyAuth.Username == "" && proxyAuth.Password != "" {
		return errors.New("SOCKS5 password given without --socks-user")
	}

	up, err := dialer.New(dialer.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	mgr := session.New(session.Config{
		Dialer:             up,
		SSH:                sshCfg,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
		ProxyAuth:          proxyAuth,
		Output:             os.Stderr,
		Verbose:            *verbose,
	})

	st := state.New()
	disp := state.NewDispatcher()
	ctl := control.New(mgr, st, disp)
	defer ctl.Close()

	st.Observe(func(field string, s state.Snapshot) {
		if field == state.FieldStatus && *verbose {
			log.Printf("status: %s", s.Status)
		}
	})

	g, ctx := errgroup.WithContext(ctx)

	if *debugListen != "" {
		http.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Printf("debug listening on %s", *debugListen)
	}

	g.Go(func() error {
		disp.Run(ctx)
		return nil
	})

	g.Go(func() error {
		defer ctl.Disconnect()
		return runTunnel(ctx, mgr, ctl, d, settings)
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Print("shutting down")
	return err
}

// runTunnel keeps the tunnel up until ctx ends. A transport error only
// triggers a reconnect once the SSH connection is actually gone.
func runTunnel(ctx context.Context, mgr *session.Manager, ctl *control.Controller, d config.Descriptor, s config.Settings) error {
	lost := make(chan struct{}, 1)
	unsubscribe := mgr.Subscribe(func(ev session.Event) {
		if ev.Kind == session.EventError {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	for {
		if err := connectWithRetry(ctx, ctl, d, s); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-lost:
				if !mgr.Alive() {
					break wait
				}
			}
		}

		log.Print("tunnel lost, reconnecting")
		ctl.Disconnect()
	}
}

// connectWithRetry retries failed attempts with exponential backoff, up to
// s.MaxRetries times. Cancellation is never retried.
func connectWithRetry(ctx context.Context, ctl *control.Controller, d config.Descriptor, s config.Settings) error {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}

	for {
		err := ctl.Connect(ctx, d, s)
		if err == nil {
			return nil
		}
		if errors.Is(err, session.ErrCancelled) {
			return nil
		}

		var cfe *session.ConnectionFailedError
		if !errors.As(err, &cfe) {
			return err
		}

		attempt := int(b.Attempt())
		if attempt >= s.MaxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}

		delay := b.Duration()
		log.Printf("Retrying in %s (attempt %d/%d)...", delay.Round(time.Millisecond), attempt+1, s.MaxRetries)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// checkStoreFlags rejects store operations when no store is configured.
func checkStoreFlags(redisAddr, profile string, save, list bool, deleteID string) error {
	if redisAddr != "" {
		return nil
	}
	switch {
	case profile != "":
		return errors.New("--profile needs --redis-addr")
	case save:
		return errors.New("--save needs --redis-addr")
	case list:
		return errors.New("--list needs --redis-addr")
	case deleteID != "":
		return errors.New("--delete needs --redis-addr")
	}
	return nil
}

// storeCommand runs --list or --delete against descriptors and reports
// whether one of them ran.
func storeCommand(ctx context.Context, descriptors store.Store, w io.Writer, list bool, deleteID string) (bool, error) {
	switch {
	case list:
		ds, err := descriptors.List(ctx)
		if err != nil {
			return true, fmt.Errorf("list connections: %w", err)
		}
		for _, d := range ds {
			fmt.Fprintf(w, "%s\t%s\t%s@%s\n", d.ID, d.DisplayName(), d.Username, d.Addr())
		}
		return true, nil
	case deleteID != "":
		if err := descriptors.Delete(ctx, deleteID); err != nil {
			return true, fmt.Errorf("delete connection %q: %w", deleteID, err)
		}
		log.Printf("deleted connection %s", deleteID)
		return true, nil
	}
	return false, nil
}

func promptPassword(d config.Descriptor) (string, error) {
	fmt.Fprintf(os.Stderr, "%s@%s's password: ", d.Username, d.Host)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pass), nil
}

func promptPassphrase(path string) ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("encrypted key and no terminal for a passphrase prompt")
	}
	fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", path)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return pass, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}

	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return net.KeepAliveConfig{}, fmt.Errorf("%s: %w", []string{"keepidle", "keepintvl", "keepcnt"}[i], err)
		}
		if n <= 0 {
			return net.KeepAliveConfig{}, fmt.Errorf("%s: must be > 0", []string{"keepidle", "keepintvl", "keepcnt"}[i])
		}
		vals[i] = n
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(vals[0]) * time.Second,
		Interval: time.Duration(vals[1]) * time.Second,
		Count:    vals[2],
	}, nil
}

func defaultUpstream() string {
	for _, env := range []string{"ALL_PROXY", "all_proxy"} {
		if p := os.Getenv(env); p != "" {
			return p
		}
	}
	return "direct://"
}

func defaultSSHKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKeyPath() string {
	if ssh.AgentAvailable() {
		return ssh.AgentAuthType
	}
	return ""
}
