package audit

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"

	"meridian/storage"
)

// ErrInvalidCursor is returned when a pagination cursor cannot be decoded.
var ErrInvalidCursor = errors.New("audit: invalid cursor")

// Kind identifies the settlement flow an audit entry records.
type Kind string

const (
	// KindPersonal records a payout claimed against personal voting power.
	KindPersonal Kind = "personal"
	// KindDelegated records a delegator payout net of the delegate fee.
	KindDelegated Kind = "delegated"
	// KindDelegateFee records a fee payout collected by a delegate.
	KindDelegateFee Kind = "delegate_fee"
	// KindSubsidy records a subsidy payout to a verifier asset manager.
	KindSubsidy Kind = "subsidy"
	// KindPendingRedeemed records escrowed payout credit redeemed later.
	KindPendingRedeemed Kind = "pending_redeemed"
	// KindSweepRewards records unclaimed rewards swept to the treasury.
	KindSweepRewards Kind = "sweep_rewards"
	// KindSweepSubsidies records unclaimed subsidies swept to the treasury.
	KindSweepSubsidies Kind = "sweep_subsidies"
	// KindFeeWithdrawal records registration fees forwarded to the treasury.
	KindFeeWithdrawal Kind = "fee_withdrawal"
	// KindEmergencyExit records custody drained after a freeze.
	KindEmergencyExit Kind = "emergency_exit"
)

var validKinds = map[Kind]struct{}{
	KindPersonal:        {},
	KindDelegated:       {},
	KindDelegateFee:     {},
	KindSubsidy:         {},
	KindPendingRedeemed: {},
	KindSweepRewards:    {},
	KindSweepSubsidies:  {},
	KindFeeWithdrawal:   {},
	KindEmergencyExit:   {},
}

// ParseKind normalises a settlement kind received over the wire.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := validKinds[kind]; !ok {
		return "", fmt.Errorf("audit: unknown settlement kind %q", value)
	}
	return kind, nil
}

// Valid reports whether the kind belongs to the closed settlement set.
func (k Kind) Valid() bool {
	_, ok := validKinds[k]
	return ok
}

// Status represents the export state of an audit entry.
type Status string

const (
	// StatusRecorded indicates the entry has been captured but not exported.
	StatusRecorded Status = "recorded"
	// StatusExported indicates the entry appears in a published report.
	StatusExported Status = "exported"
)

// ParseStatus normalises an entry status received over the wire.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	switch status {
	case StatusRecorded, StatusExported:
		return status, nil
	}
	return "", fmt.Errorf("audit: unknown entry status %q", value)
}

const (
	ledgerIndexKey         = "rewards/audit/index"
	ledgerEntryKeyFormat   = "rewards/audit/%020d/%d/%s/%s"
	defaultLedgerPageLimit = 200
)

// Entry captures a single value movement produced by epoch settlement.
type Entry struct {
	Epoch        uint64
	Pool         uint64
	Kind         Kind
	Account      [20]byte
	Counterparty [20]byte
	Amount       *big.Int
	Status       Status
	Reference    string
	ManifestRef  string
	RecordedAt   time.Time
	UpdatedAt    time.Time
	ExportedAt   *time.Time
	Checksum     string
}

// Clone creates a deep copy of the entry so callers cannot mutate internal
// state.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := &Entry{
		Epoch:        e.Epoch,
		Pool:         e.Pool,
		Kind:         e.Kind,
		Account:      e.Account,
		Counterparty: e.Counterparty,
		Status:       e.Status,
		Reference:    e.Reference,
		ManifestRef:  e.ManifestRef,
		RecordedAt:   e.RecordedAt,
		UpdatedAt:    e.UpdatedAt,
		Checksum:     e.Checksum,
	}
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	}
	if e.ExportedAt != nil {
		ts := *e.ExportedAt
		clone.ExportedAt = &ts
	}
	return clone
}

// Ledger persists settlement audit entries and exposes filtered listings for
// RPC and report export.
type Ledger struct {
	db storage.Database
	mu sync.RWMutex
}

// NewLedger constructs an audit ledger backed by the supplied key-value store.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

type storedEntry struct {
	Epoch        uint64
	Pool         uint64
	Kind         string
	Account      []byte
	Counterparty []byte
	Amount       []byte
	Status       string
	Reference    string
	ManifestRef  string
	RecordedAt   uint64
	UpdatedAt    uint64
	ExportedAt   uint64
	Checksum     string
}

type indexEntry struct {
	Epoch   uint64
	Pool    uint64
	Kind    string
	Account []byte
}

func entryKey(epoch uint64, pool uint64, kind Kind, account [20]byte) []byte {
	return []byte(fmt.Sprintf(ledgerEntryKeyFormat, epoch, pool, kind, hex.EncodeToString(account[:])))
}

func (l *Ledger) put(entry *Entry, now time.Time) error {
	if entry == nil {
		return errors.New("audit: nil entry")
	}
	if !entry.Kind.Valid() {
		return fmt.Errorf("audit: unknown settlement kind %q", entry.Kind)
	}
	if entry.Amount == nil || entry.Amount.Sign() < 0 {
		return errors.New("audit: entry amount must be non-negative")
	}
	if entry.Status == "" {
		entry.Status = StatusRecorded
	}
	if entry.Reference == "" {
		entry.Reference = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = now
	}
	entry.UpdatedAt = now
	encoded, err := rlp.EncodeToBytes(storedEntry{
		Epoch:        entry.Epoch,
		Pool:         entry.Pool,
		Kind:         string(entry.Kind),
		Account:      append([]byte(nil), entry.Account[:]...),
		Counterparty: append([]byte(nil), entry.Counterparty[:]...),
		Amount:       entry.Amount.Bytes(),
		Status:       string(entry.Status),
		Reference:    entry.Reference,
		ManifestRef:  entry.ManifestRef,
		RecordedAt:   uint64(entry.RecordedAt.Unix()),
		UpdatedAt:    uint64(entry.UpdatedAt.Unix()),
		ExportedAt: func() uint64 {
			if entry.ExportedAt == nil {
				return 0
			}
			return uint64(entry.ExportedAt.Unix())
		}(),
		Checksum: entry.Checksum,
	})
	if err != nil {
		return err
	}
	if err := l.db.Put(entryKey(entry.Epoch, entry.Pool, entry.Kind, entry.Account), encoded); err != nil {
		return err
	}
	return l.ensureIndexEntry(entry.Epoch, entry.Pool, entry.Kind, entry.Account)
}

func (l *Ledger) ensureIndexEntry(epoch uint64, pool uint64, kind Kind, account [20]byte) error {
	index, err := l.loadIndex()
	if err != nil {
		return err
	}
	hexAccount := hex.EncodeToString(account[:])
	for _, existing := range index {
		if existing.Epoch == epoch && existing.Pool == pool && existing.Kind == string(kind) && hex.EncodeToString(existing.Account) == hexAccount {
			return nil
		}
	}
	index = append(index, indexEntry{
		Epoch:   epoch,
		Pool:    pool,
		Kind:    string(kind),
		Account: append([]byte(nil), account[:]...),
	})
	return l.saveIndex(index)
}

func (l *Ledger) loadIndex() ([]indexEntry, error) {
	data, err := l.db.Get([]byte(ledgerIndexKey))
	if err != nil {
		return []indexEntry{}, nil
	}
	var raw []indexEntry
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, err
	}
	fixed := make([]indexEntry, len(raw))
	for i := range raw {
		fixed[i] = indexEntry{
			Epoch:   raw[i].Epoch,
			Pool:    raw[i].Pool,
			Kind:    raw[i].Kind,
			Account: append([]byte(nil), raw[i].Account...),
		}
	}
	return fixed, nil
}

func (l *Ledger) saveIndex(entries []indexEntry) error {
	encoded, err := rlp.EncodeToBytes(entries)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(ledgerIndexKey), encoded)
}

func (l *Ledger) get(epoch uint64, pool uint64, kind Kind, account [20]byte) (*Entry, bool, error) {
	data, err := l.db.Get(entryKey(epoch, pool, kind, account))
	if err != nil {
		return nil, false, nil
	}
	var stored storedEntry
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, false, err
	}
	entry := &Entry{
		Epoch:       stored.Epoch,
		Pool:        stored.Pool,
		Kind:        Kind(stored.Kind),
		Status:      Status(stored.Status),
		Reference:   stored.Reference,
		ManifestRef: stored.ManifestRef,
		RecordedAt:  time.Unix(int64(stored.RecordedAt), 0).UTC(),
		UpdatedAt:   time.Unix(int64(stored.UpdatedAt), 0).UTC(),
		Checksum:    stored.Checksum,
	}
	copy(entry.Account[:], stored.Account)
	copy(entry.Counterparty[:], stored.Counterparty)
	if len(stored.Amount) == 0 {
		entry.Amount = big.NewInt(0)
	} else {
		entry.Amount = new(big.Int).SetBytes(stored.Amount)
	}
	if stored.ExportedAt > 0 {
		ts := time.Unix(int64(stored.ExportedAt), 0).UTC()
		entry.ExportedAt = &ts
	}
	return entry, true, nil
}

// Put inserts or replaces a single audit entry.
func (l *Ledger) Put(entry *Entry) error {
	if l == nil || l.db == nil {
		return errors.New("audit: ledger not initialised")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	clone := entry.Clone()
	if clone == nil {
		return errors.New("audit: nil entry")
	}
	if clone.Checksum == "" {
		clone.Checksum = EntryChecksum(clone.Epoch, clone.Pool, clone.Kind, clone.Account, clone.Amount)
	}
	return l.put(clone, now)
}

// PutBatch inserts or replaces a batch of audit entries.
func (l *Ledger) PutBatch(entries []*Entry) error {
	if l == nil || l.db == nil {
		return errors.New("audit: ledger not initialised")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	for _, entry := range entries {
		if entry == nil {
			return errors.New("audit: nil entry in batch")
		}
		clone := entry.Clone()
		if clone.Checksum == "" {
			clone.Checksum = EntryChecksum(clone.Epoch, clone.Pool, clone.Kind, clone.Account, clone.Amount)
		}
		if err := l.put(clone, now); err != nil {
			return err
		}
	}
	return nil
}

// Filter enables filtering and pagination when listing audit entries.
type Filter struct {
	Epoch   *uint64
	Pool    *uint64
	Kind    Kind
	Account *[20]byte
	Status  Status
	Cursor  string
	Limit   int
}

// List returns audit entries that satisfy the provided filter along with the
// next cursor (if any).
func (l *Ledger) List(filter Filter) ([]*Entry, string, error) {
	if l == nil || l.db == nil {
		return nil, "", errors.New("audit: ledger not initialised")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	index, err := l.loadIndex()
	if err != nil {
		return nil, "", err
	}
	entries := make([]*Entry, 0, len(index))
	for _, idx := range index {
		var account [20]byte
		copy(account[:], idx.Account)
		entry, ok, err := l.get(idx.Epoch, idx.Pool, Kind(idx.Kind), account)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			continue
		}
		if filter.Epoch != nil && entry.Epoch != *filter.Epoch {
			continue
		}
		if filter.Pool != nil && entry.Pool != *filter.Pool {
			continue
		}
		if filter.Kind != "" && entry.Kind != filter.Kind {
			continue
		}
		if filter.Account != nil && entry.Account != *filter.Account {
			continue
		}
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Epoch != entries[j].Epoch {
			return entries[i].Epoch < entries[j].Epoch
		}
		if entries[i].Pool != entries[j].Pool {
			return entries[i].Pool < entries[j].Pool
		}
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return bytesCompare(entries[i].Account[:], entries[j].Account[:]) < 0
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLedgerPageLimit
	}
	offset := 0
	if filter.Cursor != "" {
		off, err := strconv.Atoi(filter.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		if off < 0 {
			off = 0
		}
		offset = off
	}
	if offset >= len(entries) {
		return []*Entry{}, "", nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	page := make([]*Entry, 0, end-offset)
	for i := offset; i < end; i++ {
		page = append(page, entries[i].Clone())
	}
	nextCursor := ""
	if end < len(entries) {
		nextCursor = strconv.Itoa(end)
	}
	return page, nextCursor, nil
}

// ExportReference identifies a ledger entry when marking entries exported.
type ExportReference struct {
	Pool    uint64
	Kind    Kind
	Account [20]byte
	Amount  *big.Int
}

// MarkExported marks the referenced entries as exported when the amount
// matches and returns the number of transitions performed. Entries already
// exported are skipped so report publication stays idempotent.
func (l *Ledger) MarkExported(epoch uint64, refs []ExportReference, manifestRef string, exportedAt time.Time) (int, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("audit: ledger not initialised")
	}
	if exportedAt.IsZero() {
		exportedAt = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	updated := 0
	for _, ref := range refs {
		entry, ok, err := l.get(epoch, ref.Pool, ref.Kind, ref.Account)
		if err != nil {
			return updated, err
		}
		if !ok {
			continue
		}
		if entry.Amount == nil || ref.Amount == nil || entry.Amount.Cmp(ref.Amount) != 0 {
			continue
		}
		if entry.Status == StatusExported {
			continue
		}
		entry.Status = StatusExported
		entry.ManifestRef = manifestRef
		entry.Checksum = EntryChecksum(entry.Epoch, entry.Pool, entry.Kind, entry.Account, entry.Amount)
		entry.ExportedAt = func() *time.Time {
			ts := exportedAt
			return &ts
		}()
		if err := l.put(entry, exportedAt); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// Get retrieves a single audit entry if present.
func (l *Ledger) Get(epoch uint64, pool uint64, kind Kind, account [20]byte) (*Entry, bool, error) {
	if l == nil || l.db == nil {
		return nil, false, errors.New("audit: ledger not initialised")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok, err := l.get(epoch, pool, kind, account)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}
