package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"entitymesh/internal/testutil"
)

func TestLoadDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport.ListenAddr != "0.0.0.0:7777" {
		t.Fatalf("unexpected listen addr: %s", cfg.Transport.ListenAddr)
	}
	if cfg.Codec.Compression != "none" {
		t.Fatalf("unexpected compression default: %s", cfg.Codec.Compression)
	}
}

func TestLoadSandboxOverride(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	data := []byte("transport:\n  listen_addr: \"127.0.0.1:9999\"\n  send_rate_per_sec: 30\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("expected sandbox listen addr, got %s", cfg.Transport.ListenAddr)
	}
	if cfg.Transport.SendRatePerSec != 30 {
		t.Fatalf("expected send rate 30, got %v", cfg.Transport.SendRatePerSec)
	}
}

func TestEnvOverride(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}

	t.Setenv("ENTITYMESH_TRANSPORT_LISTEN_ADDR", "10.0.0.1:4000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transport.ListenAddr != "10.0.0.1:4000" {
		t.Fatalf("expected env override, got %s", cfg.Transport.ListenAddr)
	}
}
