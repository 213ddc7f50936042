package indexer

import (
	"time"

	"gorm.io/gorm"
)

// Transaction is one successfully initiated forward. Sequence is the bus
// envelope sequence, which makes replays after a restart idempotent.
type Transaction struct {
	Sequence        uint64 `gorm:"primaryKey;autoIncrement:false"`
	TxnID           string `gorm:"size:66;uniqueIndex"`
	Sender          string `gorm:"size:42;index"`
	Token           string `gorm:"size:42;index"`
	AmountWei       string `gorm:"size:96"`
	NetValueWei     string `gorm:"size:96"`
	ProtocolFeeWei  string `gorm:"size:96"`
	ProtocolFeeBps  uint32
	DeveloperFeeWei string `gorm:"size:96"`
	ClientID        string `gorm:"size:64;index"`
	ForwardAddress  string `gorm:"size:42;index"`
	SpenderAddress  string `gorm:"size:42"`
	Mode            string `gorm:"size:8"`
	CreatedAt       time.Time
}

// FeePayout is a single settled fee leg.
type FeePayout struct {
	Sequence  uint64 `gorm:"primaryKey;autoIncrement:false"`
	TxnID     string `gorm:"size:66;index"`
	Scope     string `gorm:"size:16;index"`
	Payer     string `gorm:"size:42"`
	Recipient string `gorm:"size:42;index"`
	Token     string `gorm:"size:42"`
	AmountWei string `gorm:"size:96"`
	FeeBps    uint32
	ClientID  string `gorm:"size:64;index"`
	CreatedAt time.Time
}

// Completion is one destination-side settlement.
type Completion struct {
	Sequence  uint64 `gorm:"primaryKey;autoIncrement:false"`
	TxnID     string `gorm:"size:66;uniqueIndex"`
	Caller    string `gorm:"size:42;index"`
	Token     string `gorm:"size:42"`
	AmountWei string `gorm:"size:96"`
	Receiver  string `gorm:"size:42;index"`
	ClientID  string `gorm:"size:64;index"`
	CreatedAt time.Time
}

// EventRecord is the raw audit trail. Every envelope lands here regardless of
// whether a typed row was extracted from it.
type EventRecord struct {
	Sequence   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Type       string `gorm:"size:64;index"`
	Attributes string `gorm:"type:text"`
	CreatedAt  time.Time
}

// Cursor remembers the highest applied sequence so restarts resume the bus
// subscription without gaps.
type Cursor struct {
	Name     string `gorm:"primaryKey;size:32"`
	Sequence uint64
}

// AutoMigrate performs all schema migrations for the index.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Transaction{},
		&FeePayout{},
		&Completion{},
		&EventRecord{},
		&Cursor{},
	)
}
