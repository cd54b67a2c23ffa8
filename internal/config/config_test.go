package config_test

import (
	"LendLedger/internal/config"
	"LendLedger/internal/pool"
	"LendLedger/internal/state"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ============================================================================
// Risk file
// ============================================================================

func TestLoadRiskFile_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.toml")
	body := `
[risk]
class_b_ltv_bps = 5000
default_after_missed = 4

[pool]
annual_rate_bps = 1200
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	risk, poolCfg, err := config.LoadRiskFile(path, state.DefaultRiskParams(), pool.DefaultConfig())
	if err != nil {
		t.Fatalf("LoadRiskFile: %v", err)
	}
	if risk.ClassBLTVBps != 5000 || risk.DefaultAfterMissed != 4 {
		t.Errorf("risk overrides not applied: %+v", risk)
	}
	if risk.ClassALTVBps != 7000 || risk.LiquidationThresholdBps != 11_500 {
		t.Errorf("defaults lost: %+v", risk)
	}
	if poolCfg.AnnualRateBps != 1200 || poolCfg.ReserveRatioBps != pool.DefaultConfig().ReserveRatioBps {
		t.Errorf("pool config = %+v", poolCfg)
	}
}

func TestLoadRiskFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.toml")
	if err := os.WriteFile(path, []byte("[risk\nclass_a_ltv_bps = "), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := config.LoadRiskFile(path, state.DefaultRiskParams(), pool.DefaultConfig()); err == nil {
		t.Fatal("expected decode error")
	}
}

// ============================================================================
// Ledger
// ============================================================================

func TestLoadLedger_FromEnv(t *testing.T) {
	t.Setenv("LEND_ADMINS", "0xadmin, 0xops ,")
	t.Setenv("LEND_OPERATOR", "0xadmin")
	t.Setenv("LEND_PERSIST_BATCH_SIZE", "200")
	t.Setenv("LEND_PERSIST_FLUSH_TIMEOUT", "25ms")
	t.Setenv("LEND_CREDIT_LINE_ENABLED", "false")

	cfg, err := config.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if len(cfg.Core.Admins) != 2 || cfg.Core.Admins[1] != "0xops" {
		t.Errorf("admins = %v", cfg.Core.Admins)
	}
	if cfg.PersistBatchSize != 200 {
		t.Errorf("batch size = %d", cfg.PersistBatchSize)
	}
	if cfg.PersistFlushTimeout != 25*time.Millisecond {
		t.Errorf("flush timeout = %s", cfg.PersistFlushTimeout)
	}
	if cfg.CreditLineEnabled {
		t.Error("credit line should be disabled")
	}
	if cfg.Core.Risk != state.DefaultRiskParams() {
		t.Errorf("risk = %+v", cfg.Core.Risk)
	}
}

func TestLoadLedger_YieldCollaborator(t *testing.T) {
	t.Setenv("LEND_ADMINS", "0xadmin")
	t.Setenv("LEND_OPERATOR", "0xadmin")

	cfg, err := config.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if !cfg.YieldEnabled || cfg.YieldTimeout != 5*time.Second {
		t.Errorf("yield defaults: enabled=%v timeout=%s", cfg.YieldEnabled, cfg.YieldTimeout)
	}

	t.Setenv("LEND_YIELD_ENABLED", "false")
	t.Setenv("LEND_YIELD_TIMEOUT", "750ms")
	if cfg, err = config.LoadLedger(); err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if cfg.YieldEnabled || cfg.YieldTimeout != 750*time.Millisecond {
		t.Errorf("yield overrides: enabled=%v timeout=%s", cfg.YieldEnabled, cfg.YieldTimeout)
	}
}

func TestLoadLedger_BadValuesFallBack(t *testing.T) {
	t.Setenv("LEND_ADMINS", "0xadmin")
	t.Setenv("LEND_OPERATOR", "0xadmin")
	t.Setenv("LEND_PERSIST_CHAN_SIZE", "lots")
	t.Setenv("LEND_SNAPSHOT_CHECK", "soon")

	cfg, err := config.LoadLedger()
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	if cfg.PersistChanSize != 1024 || cfg.SnapshotCheck != 10*time.Second {
		t.Errorf("defaults not kept: chan=%d check=%s", cfg.PersistChanSize, cfg.SnapshotCheck)
	}
}

func TestLoadLedger_RequiresAdmins(t *testing.T) {
	t.Setenv("LEND_ADMINS", "")
	t.Setenv("LEND_OPERATOR", "")
	if _, err := config.LoadLedger(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadLedger_RejectsInvalidRiskFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.toml")
	// A liquidation threshold at or below 100% is never valid.
	if err := os.WriteFile(path, []byte("[risk]\nliquidation_threshold_bps = 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEND_ADMINS", "0xadmin")
	t.Setenv("LEND_OPERATOR", "0xadmin")
	t.Setenv("LEND_RISK_PARAMS_FILE", path)

	if _, err := config.LoadLedger(); err == nil {
		t.Fatal("expected risk validation error")
	}
}

// ============================================================================
// Mirror
// ============================================================================

func TestLoadMirror_SchedulerFollowsRisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.toml")
	if err := os.WriteFile(path, []byte("[risk]\ndefault_after_missed = 5\n[pool]\nannual_rate_bps = 500\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LEND_RISK_PARAMS_FILE", path)
	t.Setenv("LEND_OPERATOR", "0xadmin")
	t.Setenv("LEND_AUTO_LIQUIDATE", "true")
	t.Setenv("LEND_MIRROR_SHARDS", "4")

	cfg, err := config.LoadMirror()
	if err != nil {
		t.Fatalf("LoadMirror: %v", err)
	}
	if cfg.Scheduler.DefaultAfterMissed != 5 || cfg.Scheduler.AnnualRateBps != 500 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.Scheduler.AutoLiquidate || cfg.Scheduler.Operator != "0xadmin" {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Reconciler.Shards != 4 {
		t.Errorf("shards = %d", cfg.Reconciler.Shards)
	}
}

func TestLoadMirror_LeaseMustExpireBeforeNextTick(t *testing.T) {
	t.Setenv("LEND_OPERATOR", "0xadmin")
	t.Setenv("LEND_SCHEDULER_INTERVAL", "30s")
	t.Setenv("LEND_SCHEDULER_LEASE_TTL", "45s")
	if _, err := config.LoadMirror(); err == nil {
		t.Fatal("expected lease ttl validation error")
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("LEND_LEDGER_ADDR", "ledger:9090")
	t.Setenv("LEND_SENDER", "0xalice")

	cfg := config.LoadClient()
	if cfg.LedgerAddr != "ledger:9090" || cfg.Sender != "0xalice" {
		t.Errorf("client config = %+v", cfg)
	}
}
