package edgeos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// levelTrace matches config.LevelTrace; raw command output is logged
// at this level.
const levelTrace = slog.Level(-8)

// SSHDialer connects to the router with golang.org/x/crypto/ssh.
type SSHDialer struct {
	logger *slog.Logger
}

// NewSSHDialer returns a dialer that logs through logger.
func NewSSHDialer(logger *slog.Logger) *SSHDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSHDialer{logger: logger}
}

// Address returns host:port for t, defaulting the port to 22.
func Address(t Target) string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Connect dials the router and authenticates. EdgeOS offers password
// and keyboard-interactive authentication by default; both are tried
// with the configured password, after the private key when one is set.
func (d *SSHDialer) Connect(ctx context.Context, t Target) (Session, error) {
	addr := Address(t)
	timeout := t.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	auth, err := authMethods(t)
	if err != nil {
		return nil, &Error{Kind: ErrAuth, Op: "load key", Host: addr, Err: err}
	}

	hostKeys, err := d.hostKeyCallback(t)
	if err != nil {
		return nil, &Error{Kind: ErrConnection, Op: "known hosts", Host: addr, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User:            t.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: ErrConnection, Op: "dial", Host: addr, Err: err}
	}

	// The handshake does not take a context; a deadline plus a watcher
	// that closes the socket keep it bounded and cancellable.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(dialCtx, func() { conn.Close() })
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Error{Kind: ErrConnection, Op: "handshake", Host: addr, Err: ctxErr}
		}
		return nil, classifyHandshake(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	d.logger.Debug("router session opened", "host", addr, "user", t.Username,
		"server_version", string(cc.ServerVersion()))

	return &sshSession{
		client: ssh.NewClient(cc, chans, reqs),
		host:   addr,
		logger: d.logger,
	}, nil
}

func authMethods(t Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if t.KeyFile != "" {
		pem, err := os.ReadFile(t.KeyFile)
		if err != nil {
			return nil, err
		}
		var signer ssh.Signer
		if t.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(t.Password))
			if errors.As(err, new(*ssh.PassphraseMissingError)) {
				signer, err = ssh.ParsePrivateKey(pem)
			}
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", t.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		password := t.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, errors.New("no password or key file configured")
	}
	return methods, nil
}

func (d *SSHDialer) hostKeyCallback(t Target) (ssh.HostKeyCallback, error) {
	if t.KnownHostsFile != "" {
		return knownhosts.New(t.KnownHostsFile)
	}
	var once sync.Once
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		once.Do(func() {
			d.logger.Debug("accepting unverified router host key",
				"host", hostname,
				"type", key.Type(),
				"fingerprint", ssh.FingerprintSHA256(key),
			)
		})
		return nil
	}, nil
}

// classifyHandshake separates rejected credentials from transport
// problems. x/crypto/ssh does not export a typed authentication error.
func classifyHandshake(addr string, err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return &Error{Kind: ErrAuth, Op: "handshake", Host: addr, Err: err}
	}
	return &Error{Kind: ErrConnection, Op: "handshake", Host: addr, Err: err}
}

type sshSession struct {
	client *ssh.Client
	host   string
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Run executes cmd on its own channel. If ctx ends first the channel
// and the connection are closed, which unblocks the remote read.
func (s *sshSession) Run(ctx context.Context, cmd Command) (string, error) {
	if !cmd.Valid() {
		return "", &Error{Kind: ErrCommand, Op: "run", Host: s.host, Err: errors.New("unknown command")}
	}
	if err := ctx.Err(); err != nil {
		return "", contextError("run", s.host, cmd, err)
	}

	ch, err := s.client.NewSession()
	if err != nil {
		return "", &Error{Kind: ErrCommand, Op: "open channel", Host: s.host, Command: cmd.String(), Err: err}
	}
	defer ch.Close()

	var stdout, stderr bytes.Buffer
	ch.Stdout = &stdout
	ch.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- ch.Run(cmd.line()) }()

	select {
	case <-ctx.Done():
		ch.Close()
		s.Close()
		<-done
		return "", contextError("run", s.host, cmd, ctx.Err())
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("exit status %d: %s", exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))
		}
		return "", &Error{Kind: ErrCommand, Op: "run", Host: s.host, Command: cmd.String(), Err: err}
	}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		s.logger.Warn("router command wrote to stderr",
			"host", s.host,
			"command", cmd.String(),
			"stderr", msg,
		)
	}

	s.logger.Log(ctx, levelTrace, "router command output",
		"command", cmd.String(),
		"bytes", stdout.Len(),
		"elapsed", time.Since(start).Round(time.Millisecond),
		"output", stdout.String(),
	)

	return stdout.String(), nil
}

func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
		if errors.Is(s.closeErr, net.ErrClosed) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}
