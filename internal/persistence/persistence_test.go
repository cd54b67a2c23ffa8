package persistence

import (
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Migration files
// ============================================================================

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestMigratorLoad_SortsByVersion(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"000002_mirror.up.sql":   "CREATE SCHEMA mirror;",
		"000001_ledger.up.sql":   "CREATE SCHEMA ledger;",
		"000001_ledger.down.sql": "DROP SCHEMA ledger;",
		"README.md":              "not a migration",
	})
	m := &Migrator{migrationsDir: dir}

	files, err := m.load(".up.sql")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 up migrations, got %d", len(files))
	}
	if files[0].version != "000001" || files[1].version != "000002" {
		t.Errorf("versions out of order: %s, %s", files[0].version, files[1].version)
	}
	if len(files[0].checksum) != 64 {
		t.Errorf("checksum %q is not hex sha256", files[0].checksum)
	}
	if files[0].checksum == files[1].checksum {
		t.Error("different files share a checksum")
	}
}

func TestMigratorLoad_DuplicateVersion(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"000001_a.up.sql": "SELECT 1;",
		"000001_b.up.sql": "SELECT 2;",
	})
	m := &Migrator{migrationsDir: dir}

	if _, err := m.load(".up.sql"); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate version error, got %v", err)
	}
}

func TestMigrationStatus_FlagsModifiedFiles(t *testing.T) {
	files := []migrationFile{
		{version: "000001", filename: "000001_ledger.up.sql", checksum: "aaa"},
		{version: "000002", filename: "000002_mirror.up.sql", checksum: "bbb"},
		{version: "000003", filename: "000003_extra.up.sql", checksum: "ccc"},
	}
	applied := map[string]appliedMigration{
		"000001": {filename: "000001_ledger.up.sql", checksum: "aaa"},
		"000002": {filename: "000002_mirror.up.sql", checksum: "changed"},
	}

	got := statusOf(files, applied)
	if !got[0].Applied || got[0].Modified {
		t.Errorf("000001: %+v", got[0])
	}
	if !got[1].Applied || !got[1].Modified {
		t.Errorf("000002 should be applied and modified: %+v", got[1])
	}
	if got[2].Applied {
		t.Errorf("000003 should be pending: %+v", got[2])
	}
}

func TestMigrationStatus_LegacyRowWithoutChecksum(t *testing.T) {
	files := []migrationFile{{version: "000001", filename: "000001_ledger.up.sql", checksum: "aaa"}}
	applied := map[string]appliedMigration{"000001": {filename: "000001_ledger.up.sql"}}

	if got := statusOf(files, applied); got[0].Modified {
		t.Error("row recorded before checksums existed must not count as modified")
	}
}

func TestExtractVersion(t *testing.T) {
	if v := extractVersion("000001_ledger.up.sql"); v != "000001" {
		t.Errorf("got %q", v)
	}
	if v := extractVersion("noversion.sql"); v != "noversion.sql" {
		t.Errorf("got %q", v)
	}
}

// ============================================================================
// Row encoding
// ============================================================================

func TestPlaceholders(t *testing.T) {
	if got := placeholders(2, 3); got != "($1, $2, $3), ($4, $5, $6)" {
		t.Errorf("got %q", got)
	}
}

func admitted(t *testing.T) []*core.TxRecord {
	t.Helper()
	persist := make(chan *core.TxRecord, 8)
	cfg := core.DefaultConfig()
	cfg.Admins = []string{"0xadmin"}
	a := core.NewAuthority(cfg, core.Deps{PersistChan: persist})

	submit := func(sender string, op core.Operation) *core.TxRecord {
		res, err := a.Submit(context.Background(), core.Transaction{
			SubmissionID: uuid.New(),
			Sender:       sender,
			Nonce:        a.PendingNonce(sender),
			Op:           op,
		})
		if err != nil || res.Rejection != nil {
			t.Fatalf("submit %s: err=%v rejection=%v", op.Kind(), err, res.Rejection)
		}
		return <-persist
	}

	return []*core.TxRecord{
		submit("0xadmin", &core.SupplyLiquidity{Amount: fpmath.USD(100_000)}),
		submit("0xalice", &core.DepositCollateral{
			Token: "sUSD", Amount: 1_000_000, ValueUSD: fpmath.USD(10_000), TokenType: event.TokenTypeClassA,
		}),
	}
}

func TestRowsFromRecord_DepositCarriesCreatedPosition(t *testing.T) {
	recs := admitted(t)
	deposit := recs[1]

	txRow, logRows, journalRows, err := RowsFromRecord(deposit)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}

	if txRow.Sequence != deposit.Sequence || txRow.TxHash != deposit.TxHash {
		t.Errorf("tx row identity mismatch: %+v", txRow)
	}
	if txRow.Kind != string(core.OpDepositCollateral) {
		t.Errorf("kind = %s", txRow.Kind)
	}
	if txRow.PositionID == 0 || txRow.PositionID != deposit.Logs[0].PositionID {
		t.Errorf("position id = %d, want %d", txRow.PositionID, deposit.Logs[0].PositionID)
	}
	if len(logRows) != len(deposit.Logs) {
		t.Fatalf("log rows = %d, logs = %d", len(logRows), len(deposit.Logs))
	}
	for i, row := range logRows {
		if row.TxHash != deposit.TxHash || row.LogIndex != deposit.Logs[i].LogIndex {
			t.Errorf("log row %d identity mismatch: %+v", i, row)
		}
	}
	if deposit.Batch != nil && len(journalRows) != len(deposit.Batch.Journals) {
		t.Errorf("journal rows = %d, journals = %d", len(journalRows), len(deposit.Batch.Journals))
	}

	var decoded core.Transaction
	if err := json.Unmarshal(txRow.Payload, &decoded); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if decoded.SubmissionID != deposit.Tx.SubmissionID || decoded.Op.Kind() != core.OpDepositCollateral {
		t.Errorf("decoded payload mismatch: %+v", decoded)
	}
}

func TestRowsFromRecord_SupplyJournalsBalance(t *testing.T) {
	supply := admitted(t)[0]

	_, _, journalRows, err := RowsFromRecord(supply)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(journalRows) == 0 {
		t.Fatal("supply should journal the lender funds")
	}
	for _, j := range journalRows {
		if j.Amount <= 0 {
			t.Errorf("journal %s has non-positive amount %d", j.JournalID, j.Amount)
		}
		if j.DebitAccount == j.CreditAccount {
			t.Errorf("journal %s is a self transfer", j.JournalID)
		}
	}
}
