package ledger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"masterdata-backend/internal/masterdata"
)

func newTestLedger(t *testing.T) (*Ledger, *Keyring, string) {
	t.Helper()
	dir := t.TempDir()
	keys, err := LoadOrCreateKeyring(filepath.Join(dir, "ledger.key"), 3, nil)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	path := filepath.Join(dir, "ledger.jsonl")
	led, err := Open(path, keys, zerolog.Nop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	return led, keys, path
}

func sampleTx(user, rowID string) masterdata.LedgerTransaction {
	return masterdata.LedgerTransaction{
		Type:  masterdata.TxUpsert,
		Table: "entities",
		Row:   map[string]any{"id": rowID, "type_id": "t1"},
		RowID: rowID,
		Actor: masterdata.LedgerActor{UserID: user, Username: user},
		Ts:    1700000000000,
	}
}

func TestAppendAndVerify(t *testing.T) {
	led, _, _ := newTestLedger(t)

	seq, err := led.Append([]masterdata.LedgerTransaction{sampleTx("alice", "e1"), sampleTx("alice", "e2")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 2 {
		t.Fatalf("last seq = %d, want 2", seq)
	}
	seq, err = led.Append([]masterdata.LedgerTransaction{sampleTx("bob", "e3")})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if seq != 3 {
		t.Fatalf("last seq = %d, want 3", seq)
	}

	count, err := led.Verify()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if count != 3 {
		t.Fatalf("verified %d entries, want 3", count)
	}
}

func TestRecoverTailAfterReopen(t *testing.T) {
	led, keys, path := newTestLedger(t)
	if _, err := led.Append([]masterdata.LedgerTransaction{sampleTx("alice", "e1")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	led.Close()

	reopened, err := Open(path, keys, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if reopened.LastSeq() != 1 {
		t.Fatalf("recovered last seq = %d, want 1", reopened.LastSeq())
	}
	// Appending after reopen continues the chain without a gap.
	if _, err := reopened.Append([]masterdata.LedgerTransaction{sampleTx("alice", "e2")}); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if _, err := reopened.Verify(); err != nil {
		t.Fatalf("verify after reopen: %v", err)
	}
}

func TestReadSince(t *testing.T) {
	led, _, _ := newTestLedger(t)
	if _, err := led.Append([]masterdata.LedgerTransaction{
		sampleTx("alice", "e1"), sampleTx("alice", "e2"), sampleTx("alice", "e3"),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := led.ReadSince(1)
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(entries) != 2 || entries[0].Seq != 2 || entries[1].Seq != 3 {
		t.Fatalf("unexpected tail: %+v", entries)
	}

	entries, err = led.ReadSince(3)
	if err != nil {
		t.Fatalf("read since end: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty tail, got %d entries", len(entries))
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	led, _, path := newTestLedger(t)
	if _, err := led.Append([]masterdata.LedgerTransaction{sampleTx("alice", "e1")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger file: %v", err)
	}
	tampered := bytes.Replace(data, []byte(`"alice"`), []byte(`"mallet"`), 1)
	if bytes.Equal(data, tampered) {
		t.Fatal("tamper target not found in ledger file")
	}
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}

	if _, err := led.Verify(); err == nil {
		t.Fatal("verify accepted a tampered entry")
	} else if !strings.Contains(err.Error(), "signature") {
		t.Fatalf("expected signature failure, got: %v", err)
	}
}

func TestKeyRotationKeepsOldEntriesVerifiable(t *testing.T) {
	led, keys, _ := newTestLedger(t)
	if _, err := led.Append([]masterdata.LedgerTransaction{sampleTx("alice", "e1")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	oldID := keys.ActiveKeyID()
	if err := keys.Rotate(nil); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if keys.ActiveKeyID() == oldID {
		t.Fatal("rotation did not change the active key")
	}
	if _, ok := keys.PublicFor(oldID); !ok {
		t.Fatal("retired key missing from history")
	}

	// New entries sign with the new key; old ones verify via history.
	if _, err := led.Append([]masterdata.LedgerTransaction{sampleTx("bob", "e2")}); err != nil {
		t.Fatalf("append after rotation: %v", err)
	}
	count, err := led.Verify()
	if err != nil {
		t.Fatalf("verify across rotation: %v", err)
	}
	if count != 2 {
		t.Fatalf("verified %d entries, want 2", count)
	}
}

func TestKeyHistoryIsBounded(t *testing.T) {
	_, keys, _ := newTestLedger(t)
	first := keys.ActiveKeyID()
	for i := 0; i < 5; i++ {
		if err := keys.Rotate(nil); err != nil {
			t.Fatalf("rotate %d: %v", i, err)
		}
	}
	// maxHistory is 3; the first key has aged out.
	if _, ok := keys.PublicFor(first); ok {
		t.Fatal("oldest key should have been dropped from the bounded history")
	}
}
