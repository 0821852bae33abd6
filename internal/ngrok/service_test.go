package ngrok

import (
	"strings"
	"testing"

	"cuedeck/internal/config"
)

func TestDisabledServiceIsNil(t *testing.T) {
	s, err := NewService(&config.NgrokConfig{Enabled: false}, nil)
	if err != nil || s != nil {
		t.Fatalf("NewService(disabled) = %v, %v", s, err)
	}
	if s.GetPublicURL() != "" || s.Stop() != nil {
		t.Error("nil service methods must be no-ops")
	}
}

func TestResolveAuthToken(t *testing.T) {
	t.Setenv("NGROK_AUTHTOKEN", "from-env")

	if got := ResolveAuthToken(&config.NgrokConfig{AuthToken: "from-config"}); got != "from-config" {
		t.Errorf("config token ignored: %s", got)
	}
	if got := ResolveAuthToken(&config.NgrokConfig{}); got != "from-env" {
		t.Errorf("env fallback = %s", got)
	}
}

func TestMissingTokenFails(t *testing.T) {
	t.Setenv("NGROK_AUTHTOKEN", "")
	if _, err := NewService(&config.NgrokConfig{Enabled: true}, nil); err == nil {
		t.Error("expected error without a token")
	}
}

func TestTrafficPolicy(t *testing.T) {
	if p := TrafficPolicy(&config.NgrokConfig{EnableAuth: false, AuthProvider: "google"}); p != "" {
		t.Errorf("policy without auth = %q", p)
	}
	p := TrafficPolicy(&config.NgrokConfig{EnableAuth: true, AuthProvider: "github"})
	if !strings.Contains(p, "type: oauth") || !strings.Contains(p, "provider: github") {
		t.Errorf("policy = %q", p)
	}
}
