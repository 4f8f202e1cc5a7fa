package state

import (
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

func TestSFTPConfigValidation(t *testing.T) {
	base := SFTPConfig{
		Host:            "state.internal",
		User:            "deploy",
		Password:        "secret",
		Path:            "/var/lib/loam/state.json",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	if _, err := NewSFTPStore(base, zerolog.Nop()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*SFTPConfig){
		"missing host": func(c *SFTPConfig) { c.Host = "" },
		"missing user": func(c *SFTPConfig) { c.User = "" },
		"missing path": func(c *SFTPConfig) { c.Path = "" },
		"missing auth": func(c *SFTPConfig) { c.Password = ""; c.PrivateKeyPath = "" },
		"missing host key callback": func(c *SFTPConfig) { c.HostKeyCallback = nil },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if _, err := NewSFTPStore(cfg, zerolog.Nop()); err == nil {
			t.Errorf("%s: config accepted, want error", name)
		}
	}
}

func TestSFTPStoreDefaults(t *testing.T) {
	store, err := NewSFTPStore(SFTPConfig{
		Host:            "state.internal",
		User:            "deploy",
		Password:        "secret",
		Path:            "/var/lib/loam/state.json",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSFTPStore: %v", err)
	}
	if store.cfg.Port != 22 {
		t.Errorf("port = %d, want 22", store.cfg.Port)
	}
	if store.cfg.ConnectTimeout == 0 {
		t.Error("connect timeout not defaulted")
	}
}
