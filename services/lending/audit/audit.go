package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lendmarket/core/events"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// Open connects to the audit database and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return db, nil
}

// Log persists engine events. It implements events.Emitter; write failures
// are logged because emission happens after the engine has committed.
type Log struct {
	db     *gorm.DB
	logger *slog.Logger
	clock  func() time.Time

	mu   sync.Mutex
	seq  uint64
	head string
}

func New(db *gorm.DB, log *slog.Logger) (*Log, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	l := &Log{db: db, logger: log, clock: time.Now}
	var last []Record
	if err := db.Order("sequence DESC").Limit(1).Find(&last).Error; err != nil {
		return nil, fmt.Errorf("audit: load head: %w", err)
	}
	if len(last) == 1 {
		l.seq = last[0].Sequence
		l.head = last[0].Digest
	}
	return l, nil
}

// SetClock overrides the timestamp source.
func (l *Log) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// Emit implements events.Emitter.
func (l *Log) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	record, err := l.record(evt)
	if err != nil {
		l.logger.Warn("audit: encode event", slog.String("type", evt.EventType()), slog.String("error", err.Error()))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record.Sequence = l.seq + 1
	sum, err := digest(l.head, record)
	if err != nil {
		l.logger.Error("audit: chain event", slog.String("type", record.Type), slog.String("error", err.Error()))
		return
	}
	record.Digest = sum
	if err := l.db.Create(record).Error; err != nil {
		l.logger.Error("audit: persist event", slog.String("type", record.Type), slog.String("error", err.Error()))
		return
	}
	l.seq = record.Sequence
	l.head = record.Digest
}

func (l *Log) record(evt events.Event) (*Record, error) {
	record := &Record{ID: uuid.New(), Type: evt.EventType(), CreatedAt: l.clock().UTC()}
	convertible, ok := evt.(events.Convertible)
	if !ok {
		record.Attributes = "{}"
		return record, nil
	}
	attrs := convertible.Event().Attributes
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	record.Attributes = string(payload)
	record.Market = firstAttr(attrs, "market", "debtMarket")
	record.Account = firstAttr(attrs, "account", "borrower", "from", "payer", "liquidator", "by")
	return record, nil
}

func firstAttr(attrs map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			return v
		}
	}
	return ""
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Type    string
	Market  string
	Account string
	// AfterSequence pages forward through the log.
	AfterSequence uint64
	Limit         int
}

// Entry is a decoded audit record.
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Market     string            `json:"market,omitempty"`
	Account    string            `json:"account,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Digest     string            `json:"digest"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// List returns matching entries in emission order.
func (l *Log) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := l.db.WithContext(ctx).Model(&Record{}).Where("sequence > ?", filter.AfterSequence)
	if t := strings.TrimSpace(filter.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	if m := strings.ToUpper(strings.TrimSpace(filter.Market)); m != "" {
		query = query.Where("market = ?", m)
	}
	if a := strings.TrimSpace(filter.Account); a != "" {
		query = query.Where("account = ?", a)
	}
	var records []Record
	if err := query.Order("sequence ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	out := make([]Entry, 0, len(records))
	for _, rec := range records {
		attrs := map[string]string{}
		if rec.Attributes != "" {
			if err := json.Unmarshal([]byte(rec.Attributes), &attrs); err != nil {
				return nil, fmt.Errorf("audit: decode %s: %w", rec.ID, err)
			}
		}
		out = append(out, Entry{
			Sequence:   rec.Sequence,
			ID:         rec.ID.String(),
			Type:       rec.Type,
			Market:     rec.Market,
			Account:    rec.Account,
			Attributes: attrs,
			Digest:     rec.Digest,
			CreatedAt:  rec.CreatedAt,
		})
	}
	return out, nil
}
