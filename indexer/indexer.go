package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"payfwd/core/events"
	"payfwd/gateway"
	"payfwd/observability/metrics"
)

const (
	cursorName      = "bus"
	subscribeBuffer = 256
	defaultPageSize = 50
	maxPageSize     = 500
)

// Index materialises the gateway event stream into a relational store for the
// list and lookup RPCs and for settlement exports.
type Index struct {
	db      *gorm.DB
	log     *slog.Logger
	metrics *metrics.IndexerMetrics
}

// Open connects to the index database and migrates the schema. A DSN with a
// postgres scheme (or key=value form) selects the postgres driver; anything
// else is treated as a sqlite path.
func Open(dsn string, logger *slog.Logger) (*Index, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("indexer: dsn required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := gorm.Open(openDialector(trimmed), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("indexer: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return &Index{
		db:      db,
		log:     logger.With("component", "indexer"),
		metrics: metrics.Indexer(),
	}, nil
}

func openDialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return postgres.Open(dsn)
	}
	return sqlite.Open(dsn)
}

// Close releases the underlying database handle.
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	sqlDB, err := ix.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LastApplied reports the highest bus sequence written to the index.
func (ix *Index) LastApplied(ctx context.Context) (uint64, error) {
	var cur Cursor
	err := ix.db.WithContext(ctx).Where("name = ?", cursorName).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cur.Sequence, nil
}

// Apply writes one envelope to the index. Envelopes at or below the stored
// cursor are skipped, so replaying a backlog is harmless.
func (ix *Index) Apply(ctx context.Context, env events.Envelope) error {
	if env.Event == nil || env.Sequence == 0 {
		return nil
	}
	var tables []string
	applied := false
	err := ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Cursor
		if err := tx.Where("name = ?", cursorName).First(&cur).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		if env.Sequence <= cur.Sequence {
			return nil
		}
		table, err := applyTyped(tx, env)
		if err != nil {
			return err
		}
		if table != "" {
			tables = append(tables, table)
		}
		raw, err := json.Marshal(env.Event.Attributes)
		if err != nil {
			return err
		}
		record := EventRecord{Sequence: env.Sequence, Type: env.Event.Type, Attributes: string(raw)}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		tables = append(tables, "events")
		cur.Name = cursorName
		cur.Sequence = env.Sequence
		if err := tx.Save(&cur).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		ix.metrics.ObserveError("apply")
		return err
	}
	if applied {
		for _, table := range tables {
			ix.metrics.ObserveRow(table)
		}
		ix.metrics.SetLastSequence(env.Sequence)
	}
	return nil
}

func applyTyped(tx *gorm.DB, env events.Envelope) (string, error) {
	attrs := env.Event.Attributes
	switch env.Event.Type {
	case gateway.EventTypeTransactionInitiated:
		row := Transaction{
			Sequence:        env.Sequence,
			TxnID:           attrs["txnId"],
			Sender:          attrs["sender"],
			Token:           attrs["token"],
			AmountWei:       attrs["amount"],
			NetValueWei:     attrs["netValue"],
			ProtocolFeeWei:  attrs["protocolFeeWei"],
			ProtocolFeeBps:  parseBps(attrs["protocolFeeBps"]),
			DeveloperFeeWei: attrs["developerFeeWei"],
			ClientID:        attrs["clientId"],
			ForwardAddress:  attrs["forwardAddress"],
			SpenderAddress:  attrs["spenderAddress"],
			Mode:            attrs["mode"],
		}
		return "transactions", tx.Create(&row).Error
	case gateway.EventTypeFeePayout:
		row := FeePayout{
			Sequence:  env.Sequence,
			TxnID:     attrs["txnId"],
			Scope:     attrs["scope"],
			Payer:     attrs["payer"],
			Recipient: attrs["recipient"],
			Token:     attrs["token"],
			AmountWei: attrs["amountWei"],
			FeeBps:    parseBps(attrs["feeBps"]),
			ClientID:  attrs["clientId"],
		}
		return "fee_payouts", tx.Create(&row).Error
	case gateway.EventTypeTransferCompleted:
		row := Completion{
			Sequence:  env.Sequence,
			TxnID:     attrs["txnId"],
			Caller:    attrs["caller"],
			Token:     attrs["token"],
			AmountWei: attrs["amount"],
			Receiver:  attrs["receiver"],
			ClientID:  attrs["clientId"],
		}
		return "completions", tx.Create(&row).Error
	default:
		return "", nil
	}
}

func parseBps(raw string) uint32 {
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(value)
}

// Run consumes the bus until ctx is cancelled or the bus shuts down. A
// consumer that falls behind is resubscribed from its cursor; the backlog
// replay fills the gap.
func (ix *Index) Run(ctx context.Context, bus *events.Bus) error {
	for {
		applied, err := ix.LastApplied(ctx)
		if err != nil {
			return err
		}
		sub, backlog := bus.Subscribe(applied, subscribeBuffer)
		for _, env := range backlog {
			if err := ix.Apply(ctx, env); err != nil {
				sub.Close()
				return err
			}
		}
		resubscribe := false
		for !resubscribe {
			select {
			case <-ctx.Done():
				sub.Close()
				return ctx.Err()
			case env, ok := <-sub.Events():
				if !ok {
					applied, err = ix.LastApplied(ctx)
					if err != nil {
						return err
					}
					if applied >= bus.LastSequence() {
						return nil
					}
					ix.log.Warn("event stream lagged, resuming from cursor", "sequence", applied)
					resubscribe = true
					continue
				}
				if err := ix.Apply(ctx, env); err != nil {
					sub.Close()
					return err
				}
			}
		}
	}
}

// TransactionQuery filters the transaction listing. Zero values match
// everything; AfterSequence pages forward.
type TransactionQuery struct {
	ClientID      string
	Sender        string
	Token         string
	AfterSequence uint64
	Limit         int
}

// Transactions lists initiated forwards in sequence order.
func (ix *Index) Transactions(ctx context.Context, q TransactionQuery) ([]Transaction, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	db := ix.db.WithContext(ctx).Model(&Transaction{})
	if q.ClientID != "" {
		db = db.Where("client_id = ?", q.ClientID)
	}
	if q.Sender != "" {
		db = db.Where("sender = ?", strings.ToLower(q.Sender))
	}
	if q.Token != "" {
		db = db.Where("token = ?", strings.ToLower(q.Token))
	}
	if q.AfterSequence > 0 {
		db = db.Where("sequence > ?", q.AfterSequence)
	}
	var rows []Transaction
	if err := db.Order("sequence ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// TransactionByID returns a forward and its fee legs, or nil when unknown.
func (ix *Index) TransactionByID(ctx context.Context, txnID string) (*Transaction, []FeePayout, error) {
	normalized := strings.ToLower(strings.TrimSpace(txnID))
	var row Transaction
	err := ix.db.WithContext(ctx).Where("txn_id = ?", normalized).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var payouts []FeePayout
	if err := ix.db.WithContext(ctx).Where("txn_id = ?", normalized).Order("sequence ASC").Find(&payouts).Error; err != nil {
		return nil, nil, err
	}
	return &row, payouts, nil
}

// CompletionByID returns the settlement row for a transaction ID, or nil.
func (ix *Index) CompletionByID(ctx context.Context, txnID string) (*Completion, error) {
	normalized := strings.ToLower(strings.TrimSpace(txnID))
	var row Completion
	err := ix.db.WithContext(ctx).Where("txn_id = ?", normalized).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
