package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/crypto/ssh"

	"github.com/edvin/backupd/internal/metrics"
)

// HandshakeFunc performs an authenticated SSH handshake with host.
type HandshakeFunc func(ctx context.Context, host Host) error

// Prober checks SSH reachability with one circuit breaker per host, so an
// unreachable server fails fast instead of burning a connect timeout per job.
type Prober struct {
	handshake HandshakeFunc
	logger    zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]

	failureThreshold uint32
	openTimeout      time.Duration
}

func NewProber(handshake HandshakeFunc, logger zerolog.Logger) *Prober {
	return &Prober{
		handshake:        handshake,
		logger:           logger.With().Str("component", "ssh-prober").Logger(),
		breakers:         make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		failureThreshold: 3,
		openTimeout:      2 * time.Minute,
	}
}

func (p *Prober) breaker(key string) *gobreaker.CircuitBreaker[struct{}] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[key]; ok {
		return cb
	}
	threshold := p.failureThreshold
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     p.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().Str("host", name).Str("from", from.String()).Str("to", to.String()).Msg("ssh circuit breaker state change")
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			metrics.SSHCircuitOpen.WithLabelValues(name).Set(open)
		},
	})
	p.breakers[key] = cb
	return cb
}

// Probe runs the handshake through the host's breaker.
func (p *Prober) Probe(ctx context.Context, host Host) error {
	cb := p.breaker(net.JoinHostPort(host.Address, strconv.Itoa(host.port())))
	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, p.handshake(ctx, host)
	})
	if err != nil {
		return fmt.Errorf("probe %s: %w", host, err)
	}
	return nil
}

// KeyHandshake returns a HandshakeFunc authenticating with the private key at
// keyPath. The key is read on first use; a failed read is retried on the
// next call so a key provisioned after startup is picked up.
func KeyHandshake(keyPath string, timeout time.Duration) HandshakeFunc {
	var (
		mu     sync.Mutex
		signer ssh.Signer
	)
	load := func() (ssh.Signer, error) {
		mu.Lock()
		defer mu.Unlock()
		if signer != nil {
			return signer, nil
		}
		s, err := loadSigner(keyPath)
		if err != nil {
			return nil, err
		}
		signer = s
		return signer, nil
	}
	return func(ctx context.Context, host Host) error {
		signer, err := load()
		if err != nil {
			return err
		}

		addr := net.JoinHostPort(host.Address, strconv.Itoa(host.port()))
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		defer conn.Close()
		if deadline, ok := dialCtx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
			User:            host.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         timeout,
		})
		if err != nil {
			return fmt.Errorf("handshake %s: %w", addr, err)
		}
		ssh.NewClient(sshConn, chans, reqs).Close()
		return nil
	}
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", keyPath, err)
	}
	return signer, nil
}
