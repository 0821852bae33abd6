package ngrok

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.ngrok.com/ngrok/v2"

	"cuedeck/internal/config"
)

// Service exposes the remote-control server through an ngrok tunnel
type Service struct {
	config *config.NgrokConfig
	agent  ngrok.Agent
	tunnel ngrok.EndpointForwarder
	logger *logrus.Entry
}

// NewService creates the tunnel agent. It returns nil when the tunnel is
// disabled; every method is safe on a nil Service.
func NewService(cfg *config.NgrokConfig, logger *logrus.Entry) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	authToken := ResolveAuthToken(cfg)
	if authToken == "" {
		return nil, fmt.Errorf("ngrok auth token not found. Set NGROK_AUTHTOKEN in .env file or config")
	}

	agent, err := ngrok.NewAgent(ngrok.WithAuthtoken(authToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create ngrok agent: %w", err)
	}

	return &Service{
		config: cfg,
		agent:  agent,
		logger: logger,
	}, nil
}

// ResolveAuthToken prefers the config value and falls back to NGROK_AUTHTOKEN
func ResolveAuthToken(cfg *config.NgrokConfig) string {
	if cfg.AuthToken != "" {
		return cfg.AuthToken
	}
	return os.Getenv("NGROK_AUTHTOKEN")
}

// TrafficPolicy returns the OAuth policy for the endpoint, or "" when
// OAuth is off
func TrafficPolicy(cfg *config.NgrokConfig) string {
	if !cfg.EnableAuth {
		return ""
	}
	return fmt.Sprintf(`
on_http_request:
  - actions:
      - type: oauth
        config:
          provider: %s
`, cfg.AuthProvider)
}

// StartTunnel forwards the public endpoint to localAddress
func (s *Service) StartTunnel(ctx context.Context, localAddress string) error {
	if s == nil {
		return nil
	}

	s.logger.Info("Starting ngrok tunnel")

	var endpointOpts []ngrok.EndpointOption
	if s.config.Domain != "" {
		endpointOpts = append(endpointOpts, ngrok.WithURL(s.config.Domain))
	}
	if policy := TrafficPolicy(s.config); policy != "" {
		endpointOpts = append(endpointOpts, ngrok.WithTrafficPolicy(policy))
	}

	tunnel, err := s.agent.Forward(ctx, ngrok.WithUpstream(localAddress), endpointOpts...)
	if err != nil {
		return fmt.Errorf("failed to create ngrok tunnel: %w", err)
	}
	s.tunnel = tunnel

	s.logger.WithFields(logrus.Fields{
		"public_url": tunnel.URL().String(),
		"upstream":   localAddress,
		"oauth":      s.config.EnableAuth,
	}).Info("Ngrok tunnel active")
	return nil
}

// GetPublicURL returns the public URL of the tunnel
func (s *Service) GetPublicURL() string {
	if s == nil || s.tunnel == nil {
		return ""
	}
	return s.tunnel.URL().String()
}

// Stop stops the ngrok tunnel
func (s *Service) Stop() error {
	if s == nil || s.tunnel == nil {
		return nil
	}

	s.logger.Info("Stopping ngrok tunnel")
	return s.tunnel.Close()
}
