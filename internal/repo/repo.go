// Package repo is the persistence layer: transactional CRUD plus predicate
// queries over the §3 data model, with row-lock-for-update on hot rows
// (§5 item 4). Bootstrap follows the teacher's New(dbPath) driver-selection
// idiom: a postgres://-prefixed path opens Postgres, anything else opens a
// local SQLite file (or :memory: for tests).
package repo

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dca-engine/controlplane/internal/model"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps the gorm handle and hands out the per-entity repositories.
type DB struct {
	gorm *gorm.DB

	Users          *UserRepo
	PositionGroups *PositionGroupRepo
	Pyramids       *PyramidRepo
	DCAOrders      *DCAOrderRepo
	QueuedSignals  *QueuedSignalRepo
	RiskActions    *RiskActionRepo
}

func Open(dbPath string) (*DB, error) {
	var gdb *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		gdb, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("database connected (postgres)")
	} else {
		if dbPath != ":memory:" {
			if dir := filepath.Dir(dbPath); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, err
				}
			}
		}
		gdb, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("database initialized (sqlite)")
	}

	if err := gdb.AutoMigrate(
		&model.User{},
		&model.PositionGroup{},
		&model.Pyramid{},
		&model.DCAOrder{},
		&model.QueuedSignal{},
		&model.RiskAction{},
	); err != nil {
		return nil, err
	}

	return &DB{
		gorm:           gdb,
		Users:          &UserRepo{db: gdb},
		PositionGroups: &PositionGroupRepo{db: gdb},
		Pyramids:       &PyramidRepo{db: gdb},
		DCAOrders:      &DCAOrderRepo{db: gdb},
		QueuedSignals:  &QueuedSignalRepo{db: gdb},
		RiskActions:    &RiskActionRepo{db: gdb},
	}, nil
}

// Transaction runs fn inside a single gorm transaction, matching §5's
// "reads that drive mutations are inside a single transaction" discipline.
func (d *DB) Transaction(fn func(tx *gorm.DB) error) error {
	return d.gorm.Transaction(fn)
}

func (d *DB) Gorm() *gorm.DB { return d.gorm }
