package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gigescrow/dispute"
	"gigescrow/fees"
)

const sampleTOML = `
log_level = "debug"

[server]
addr = ":9090"
jwt_secret = "from-file"

[database]
dsn = "postgres://file"

[scheduler]
interval = "30s"

[fees.tiers]
premium = "0.04"

[disputes.roster.low]
agents = ["agent-low"]
admins = ["admin-1"]

[disputes.roster.medium]
agents = ["agent-m1", "agent-m2"]

[disputes.roster.high]
agents = ["agent-high"]
admins = ["admin-1", "admin-2"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gigescrow.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Setenv("GIGESCROW_JWT_SECRET", "from-env")
	t.Setenv("GIGESCROW_OUTBOX_INTERVAL", "5s")

	cfg, err := Load(writeConfig(t, sampleTOML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Server.Addr != ":9090" || cfg.LogLevel != "debug" {
		t.Fatalf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Server.JWTSecret != "from-env" {
		t.Fatalf("env must override file, got %q", cfg.Server.JWTSecret)
	}
	if cfg.Scheduler.Interval.Duration != 30*time.Second || cfg.Outbox.Interval.Duration != 5*time.Second {
		t.Fatalf("durations not parsed: %v %v", cfg.Scheduler.Interval, cfg.Outbox.Interval)
	}
	if cfg.Database.MaxConns != 10 {
		t.Fatalf("defaults lost: max_conns %d", cfg.Database.MaxConns)
	}

	roster := cfg.Roster()
	if got := roster.Agents[dispute.PriorityMedium]; len(got) != 2 || got[1] != "agent-m2" {
		t.Fatalf("medium roster = %v", got)
	}
	if got := roster.Admins[dispute.PriorityHigh]; len(got) != 2 {
		t.Fatalf("high admins = %v", got)
	}

	schedule, err := cfg.FeeSchedule()
	if err != nil {
		t.Fatalf("fee schedule: %v", err)
	}
	q, err := schedule.Compute(10_000, fees.TierPremium, fees.MethodBankTransfer)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if q.PlatformFee != 400 || q.ProcessingFee != 80 {
		t.Fatalf("configured premium rate not applied: %+v", q)
	}
}

func TestLoad_DatabaseURLFallback(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.DSN != "postgres://env" {
		t.Fatalf("dsn = %q", cfg.Database.DSN)
	}
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Fees.Methods = map[string]string{"cash": "0.01"}
	cfg.Disputes.Roster = map[string]RosterTier{"urgent": {Agents: []string{"a"}}}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"log_level", "dsn", "jwt_secret", "unknown roster priority", `roster "high" is missing`, "unknown payment method"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoad_BadFile(t *testing.T) {
	if _, err := Load(writeConfig(t, "[server\naddr=")); err == nil {
		t.Fatalf("expected decode error")
	}
}
