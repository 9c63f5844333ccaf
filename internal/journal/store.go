// Package journal records every simulated transaction under its checkpoint
// id so approvals can be traced back to the pre-state they were built on.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/Brahma-fi/brahma-connect/internal/simulate"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("checkpoint not found")

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
)

type Checkpoint struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	CheckpointID string    `gorm:"uniqueIndex;size:64;not null" json:"checkpointId"`
	ContextID    int       `gorm:"index" json:"contextId"`
	Console      string    `gorm:"size:42" json:"console"`
	To           string    `gorm:"size:42" json:"to"`
	Value        string    `json:"value"`
	Data         string    `json:"data"`
	Operation    uint8     `json:"operation"`
	TxHash       string    `gorm:"size:66" json:"txHash,omitempty"`
	Status       Status    `gorm:"size:16;index" json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type ListOptions struct {
	ContextID *int
	Limit     int
}

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Store, error) {
	l := logger.Named("journal")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(l)})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access journal connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Checkpoint{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	l.Info("journal opened", "path", path)
	return &Store{db: db, logger: l}, nil
}

func (s *Store) Record(ctx context.Context, contextID int, console common.Address, checkpointID string, tx simulate.MetaTransaction) error {
	value := "0"
	if tx.Value != nil {
		value = tx.Value.String()
	}

	entry := Checkpoint{
		CheckpointID: checkpointID,
		ContextID:    contextID,
		Console:      console.Hex(),
		To:           tx.To.Hex(),
		Value:        value,
		Data:         hexutil.Encode(tx.Data),
		Operation:    uint8(tx.Operation),
		Status:       StatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

func (s *Store) MarkSent(ctx context.Context, checkpointID, hash string) error {
	res := s.db.WithContext(ctx).
		Model(&Checkpoint{}).
		Where("checkpoint_id = ?", checkpointID).
		Updates(map[string]any{"tx_hash": hash, "status": StatusSent})
	if res.Error != nil {
		return fmt.Errorf("failed to update checkpoint %s: %w", checkpointID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, checkpointID string) (Checkpoint, error) {
	var entry Checkpoint
	err := s.db.WithContext(ctx).Where("checkpoint_id = ?", checkpointID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint %s: %w", checkpointID, err)
	}
	return entry, nil
}

// List returns checkpoints newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Checkpoint, error) {
	q := s.db.WithContext(ctx).Order("id desc")
	if opts.ContextID != nil {
		q = q.Where("context_id = ?", *opts.ContextID)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var out []Checkpoint
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return out, nil
}

// Hooks journals the transactions of one context. A transaction that cannot
// be journaled is not sent.
func (s *Store) Hooks(contextID int, console common.Address) simulate.Hooks {
	return simulate.Hooks{
		OnBeforeTransactionSend: func(checkpointID string, tx simulate.MetaTransaction) error {
			return s.Record(context.Background(), contextID, console, checkpointID, tx)
		},
		OnTransactionSent: func(checkpointID, hash string) {
			if err := s.MarkSent(context.Background(), checkpointID, hash); err != nil {
				s.logger.Warn("failed to mark checkpoint sent", "checkpoint_id", checkpointID, "err", err)
			}
		},
	}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
