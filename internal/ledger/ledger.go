// Package ledger implements the append-only signed transaction log.
// Every accepted masterdata mutation is serialized, signed with the
// locally held ed25519 key, and appended as one JSON line. Entries form
// a hash chain, so truncation or in-place edits are detectable, and the
// relational tables can in principle be rebuilt by replaying the file.
package ledger

import (
	"bufio"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"masterdata-backend/internal/masterdata"
)

// Entry is one persisted ledger line.
type Entry struct {
	Seq   int64                        `json:"seq"`
	Prev  string                       `json:"prev"`
	Tx    masterdata.LedgerTransaction `json:"tx"`
	KeyID string                       `json:"key_id"`
	Sig   string                       `json:"sig"`
}

// signedBody is the canonical byte form covered by the signature and
// the hash chain. Map keys inside Tx.Row marshal sorted, so the
// encoding is deterministic.
type signedBody struct {
	Seq  int64                        `json:"seq"`
	Prev string                       `json:"prev"`
	Tx   masterdata.LedgerTransaction `json:"tx"`
}

// Ledger appends signed entries to a single grow-only file.
type Ledger struct {
	mu       sync.Mutex
	path     string
	keys     *Keyring
	f        *os.File
	lastSeq  int64
	lastHash string
	log      zerolog.Logger
}

// Open opens (or creates) the ledger file and recovers the tail state
// (last sequence and chain hash) by scanning existing entries.
func Open(path string, keys *Keyring, log zerolog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &Ledger{path: path, keys: keys, f: f, log: log}
	if err := l.recover(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek ledger tail: %w", err)
	}
	return l, nil
}

func (l *Ledger) recover() error {
	scanner := newEntryScanner(l.f)
	for {
		entry, ok, err := scanner.next()
		if err != nil {
			return fmt.Errorf("recover ledger: %w", err)
		}
		if !ok {
			return nil
		}
		l.lastSeq = entry.Seq
		l.lastHash = bodyHash(signedBody{Seq: entry.Seq, Prev: entry.Prev, Tx: entry.Tx})
	}
}

// Close closes the underlying file.
func (l *Ledger) Close() error {
	return l.f.Close()
}

// LastSeq returns the sequence number of the newest entry.
func (l *Ledger) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Append signs and appends a batch of transactions, fsyncing before it
// returns. The batch is all-or-nothing: on any failure the file is
// truncated back to its prior length and the caller must abort the
// relational commit the batch describes. Returns the sequence of the
// last appended entry.
func (l *Ledger) Append(txs []masterdata.LedgerTransaction) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start, err := l.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek ledger: %w", err)
	}

	seq := l.lastSeq
	prev := l.lastHash
	w := bufio.NewWriter(l.f)
	for _, tx := range txs {
		seq++
		body := signedBody{Seq: seq, Prev: prev, Tx: tx}
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			l.truncate(start)
			return 0, fmt.Errorf("encode ledger entry: %w", err)
		}
		keyID, sig := l.keys.Sign(bodyBytes)
		entry := Entry{Seq: seq, Prev: prev, Tx: tx, KeyID: keyID, Sig: base64.StdEncoding.EncodeToString(sig)}
		line, err := json.Marshal(entry)
		if err != nil {
			l.truncate(start)
			return 0, fmt.Errorf("encode ledger entry: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			l.truncate(start)
			return 0, fmt.Errorf("write ledger entry: %w", err)
		}
		prev = bodyHash(body)
	}
	if err := w.Flush(); err != nil {
		l.truncate(start)
		return 0, fmt.Errorf("flush ledger: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		l.truncate(start)
		return 0, fmt.Errorf("sync ledger: %w", err)
	}

	l.lastSeq = seq
	l.lastHash = prev
	return seq, nil
}

func (l *Ledger) truncate(offset int64) {
	if err := l.f.Truncate(offset); err != nil {
		l.log.Error().Err(err).Int64("offset", offset).Msg("ledger truncate after failed append")
		return
	}
	l.f.Seek(offset, io.SeekStart) //nolint:errcheck
}

// ReadSince returns all entries with sequence greater than seq, in
// order. Used by startup reconciliation to replay entries the
// relational store may not have committed.
func (l *Ledger) ReadSince(seq int64) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open ledger for read: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := newEntryScanner(f)
	for {
		entry, ok, err := scanner.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return entries, nil
		}
		if entry.Seq > seq {
			entries = append(entries, entry)
		}
	}
}

// Verify walks the whole ledger checking the hash chain and every
// signature against the keyring. Returns the number of verified
// entries.
func (l *Ledger) Verify() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return 0, fmt.Errorf("open ledger for verify: %w", err)
	}
	defer f.Close()

	count := 0
	prev := ""
	var lastSeq int64
	scanner := newEntryScanner(f)
	for {
		entry, ok, err := scanner.next()
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		if entry.Seq != lastSeq+1 {
			return count, fmt.Errorf("ledger entry %d: sequence gap after %d", entry.Seq, lastSeq)
		}
		if entry.Prev != prev {
			return count, fmt.Errorf("ledger entry %d: hash chain broken", entry.Seq)
		}
		body := signedBody{Seq: entry.Seq, Prev: entry.Prev, Tx: entry.Tx}
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return count, fmt.Errorf("ledger entry %d: %w", entry.Seq, err)
		}
		pub, found := l.keys.PublicFor(entry.KeyID)
		if !found {
			return count, fmt.Errorf("ledger entry %d: unknown signing key %s", entry.Seq, entry.KeyID)
		}
		sig, err := base64.StdEncoding.DecodeString(entry.Sig)
		if err != nil {
			return count, fmt.Errorf("ledger entry %d: bad signature encoding", entry.Seq)
		}
		if !ed25519.Verify(pub, bodyBytes, sig) {
			return count, fmt.Errorf("ledger entry %d: signature verification failed", entry.Seq)
		}
		prev = bodyHash(body)
		lastSeq = entry.Seq
		count++
	}
}

func bodyHash(body signedBody) string {
	b, _ := json.Marshal(body)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type entryScanner struct {
	s *bufio.Scanner
}

func newEntryScanner(r io.Reader) *entryScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &entryScanner{s: s}
}

func (es *entryScanner) next() (Entry, bool, error) {
	for es.s.Scan() {
		line := es.s.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return Entry{}, false, fmt.Errorf("parse ledger line: %w", err)
		}
		return entry, true, nil
	}
	return Entry{}, false, es.s.Err()
}
