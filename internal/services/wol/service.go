// Package wol wakes sleeping servers before their files are listed.
package wol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fgeck/gopickup/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// DefaultBroadcastIP is used when a server has no broadcast address configured.
const DefaultBroadcastIP = "255.255.255.255"

// ErrNotConfigured is returned when Wake is called for a server without WOL settings.
var ErrNotConfigured = errors.New("wake-on-lan is not configured")

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, srv models.Server) (*models.WOLResult, error)
}

// Client sends magic packets.
type Client interface {
	Wake(addr string, mac net.HardwareAddr) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dialer opens TCP connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultClient sends magic packets with mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet for mac to addr (host:port).
func (c *DefaultClient) Wake(addr string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(addr, mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}
	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient  Client
	httpClient HTTPClient
	dialer     Dialer
	logger     zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		wolClient:  &DefaultClient{},
		httpClient: &http.Client{Timeout: 5 * time.Second},
		dialer:     &net.Dialer{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// NewWithClients creates a new WOL service with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, wolClient Client, httpClient HTTPClient, dialer Dialer) *Impl {
	return &Impl{
		wolClient:  wolClient,
		httpClient: httpClient,
		dialer:     dialer,
		logger:     logger,
	}
}

// Wake sends a magic packet to the server and waits until it answers, either
// on its poll URL or, when none is configured, on its SSH port.
func (s *Impl) Wake(ctx context.Context, srv models.Server) (*models.WOLResult, error) {
	if srv.WOL == nil {
		return nil, ErrNotConfigured
	}
	cfg := *srv.WOL

	result := &models.WOLResult{}
	start := time.Now()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}

	broadcast := cfg.BroadcastIP
	if broadcast == "" {
		broadcast = DefaultBroadcastIP
	}
	if net.ParseIP(broadcast) == nil {
		result.Error = fmt.Errorf("invalid broadcast IP: %s", broadcast)
		return result, nil
	}

	s.logger.Info().
		Str("host", srv.Host).
		Str("mac", cfg.MACAddress).
		Str("broadcast", broadcast).
		Msg("sending WOL packet")

	if err := s.wolClient.Wake(net.JoinHostPort(broadcast, "9"), mac); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.PacketSent = true

	ready := s.sshReady(srv)
	target := net.JoinHostPort(srv.Host, strconv.Itoa(sshPort(srv)))
	if cfg.PollURL != "" {
		ready = s.httpReady(cfg.PollURL)
		target = cfg.PollURL
	}

	s.logger.Info().
		Str("target", target).
		Dur("timeout", cfg.Timeout).
		Msg("waiting for server to become available")

	if err := s.waitForTarget(ctx, cfg, target, ready); err != nil {
		result.WaitDuration = time.Since(start)
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	if cfg.StabilizeWait > 0 {
		s.logger.Debug().Dur("wait", cfg.StabilizeWait).Msg("waiting for server to settle")
		select {
		case <-ctx.Done():
			result.WaitDuration = time.Since(start)
			result.Error = ctx.Err()
			return result, nil
		case <-time.After(cfg.StabilizeWait):
		}
	}

	result.TargetReady = true
	result.WaitDuration = time.Since(start)

	s.logger.Info().
		Str("host", srv.Host).
		Dur("duration", result.WaitDuration).
		Msg("server is awake")

	return result, nil
}

type readyFunc func(ctx context.Context) error

func sshPort(srv models.Server) int {
	if srv.Port == 0 {
		return 22
	}
	return srv.Port
}

func (s *Impl) sshReady(srv models.Server) readyFunc {
	addr := net.JoinHostPort(srv.Host, strconv.Itoa(sshPort(srv)))
	return func(ctx context.Context) error {
		conn, err := s.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

func (s *Impl) httpReady(url string) readyFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return err
		}
		// any response means the server is up
		return resp.Body.Close()
	}
}

func (s *Impl) waitForTarget(ctx context.Context, cfg models.WOLConfig, target string, ready readyFunc) error {
	deadline := time.Now().Add(cfg.Timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s", target)
		}

		err := ready(ctx)
		if err == nil {
			return nil
		}
		s.logger.Debug().Err(err).Str("target", target).Msg("server not ready yet")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}
}
