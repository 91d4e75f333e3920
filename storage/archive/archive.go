// Package archive persists protocol events in a SQL table. Each row carries a
// blake3 digest chained over the previous row so tampering with history is
// detectable with Verify.
package archive

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"stablefi/core/events"
	"stablefi/core/types"
)

// ErrChainBroken is returned by Verify when a stored digest does not match
// the recomputed chain.
var ErrChainBroken = errors.New("archive: digest chain broken")

// Record is a persisted event.
type Record struct {
	Seq        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Type       string `gorm:"size:64;index"`
	Attributes string `gorm:"type:text"`
	PrevDigest string `gorm:"size:64"`
	Digest     string `gorm:"size:64;uniqueIndex"`
	Timestamp  int64  `gorm:"index"`
}

// TableName pins the table name.
func (Record) TableName() string { return "events" }

// Time returns the archival time.
func (r Record) Time() time.Time { return time.Unix(0, r.Timestamp).UTC() }

// Event decodes the stored attributes back into an event.
func (r Record) Event() (*types.Event, error) {
	evt := types.NewEvent(r.Type)
	if r.Attributes == "" {
		return evt, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &evt.Attributes); err != nil {
		return nil, fmt.Errorf("archive: decode seq %d: %w", r.Seq, err)
	}
	return evt, nil
}

// Archive stores events. It implements events.Emitter; write failures are
// logged and surfaced through Err because Emit has no error return.
type Archive struct {
	mu      sync.Mutex
	db      *gorm.DB
	logger  *slog.Logger
	nowFn   func() time.Time
	seq     uint64
	head    string
	lastErr error
}

// Open connects to the sqlite database file at dsn and migrates the schema.
func Open(dsn string, log *slog.Logger) (*Archive, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return New(db, log)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log *slog.Logger) (*Archive, error) {
	if db == nil {
		return nil, errors.New("archive: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	a := &Archive{db: db, logger: log, nowFn: time.Now}
	var last Record
	err := db.Order("seq desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("archive: load head: %w", err)
	}
	a.seq, a.head = last.Seq, last.Digest
	return a, nil
}

// SetNowFunc overrides the clock used for timestamps.
func (a *Archive) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	a.mu.Lock()
	a.nowFn = now
	a.mu.Unlock()
}

// Emit implements events.Emitter.
func (a *Archive) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	if _, err := a.Append(payload); err != nil {
		a.logger.Error("archive event", slog.String("type", payload.Type), slog.Any("error", err))
	}
}

// Append stores evt and returns the new record.
func (a *Archive) Append(evt *types.Event) (Record, error) {
	attrs, err := encodeAttributes(evt.Attributes)
	if err != nil {
		return Record{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := Record{
		Seq:        a.seq + 1,
		Type:       evt.Type,
		Attributes: attrs,
		PrevDigest: a.head,
		Timestamp:  a.nowFn().UnixNano(),
	}
	rec.Digest = digest(rec)
	if err := a.db.Create(&rec).Error; err != nil {
		a.lastErr = err
		return Record{}, fmt.Errorf("archive: insert: %w", err)
	}
	a.seq, a.head = rec.Seq, rec.Digest
	return rec, nil
}

// Err returns the most recent write failure.
func (a *Archive) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Head returns the latest sequence number and digest.
func (a *Archive) Head() (uint64, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq, a.head
}

// Query filter. Zero values match everything.
type Query struct {
	Type     string
	AfterSeq uint64
	Limit    int
}

// List returns records matching q in sequence order.
func (a *Archive) List(q Query) ([]Record, error) {
	tx := a.db.Model(&Record{}).Where("seq > ?", q.AfterSeq)
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var out []Record
	if err := tx.Order("seq asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return out, nil
}

// Count returns the number of stored events of eventType, or of all types
// when eventType is empty.
func (a *Archive) Count(eventType string) (int64, error) {
	tx := a.db.Model(&Record{})
	if eventType != "" {
		tx = tx.Where("type = ?", eventType)
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}

// Verify walks the table and recomputes every digest.
func (a *Archive) Verify() error {
	var rows []Record
	if err := a.db.Order("seq asc").Find(&rows).Error; err != nil {
		return fmt.Errorf("archive: verify: %w", err)
	}
	prev := ""
	for i, rec := range rows {
		if rec.Seq != uint64(i+1) {
			return fmt.Errorf("%w: gap before seq %d", ErrChainBroken, rec.Seq)
		}
		if rec.PrevDigest != prev || digest(rec) != rec.Digest {
			return fmt.Errorf("%w: at seq %d", ErrChainBroken, rec.Seq)
		}
		prev = rec.Digest
	}
	return nil
}

// Close releases the underlying connection.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// encodeAttributes renders attributes as JSON. encoding/json sorts map keys,
// so equal attribute sets always encode identically.
func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("archive: encode attributes: %w", err)
	}
	return string(raw), nil
}

func digest(rec Record) string {
	h := blake3.New(32, nil)
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%s\x00%d", rec.Seq, rec.Type, rec.Attributes, rec.PrevDigest, rec.Timestamp)
	return hex.EncodeToString(h.Sum(nil))
}
