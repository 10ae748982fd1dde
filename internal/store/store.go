package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"stock_hold/internal/apperr"
	"stock_hold/internal/model"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqlite 默认参数：
// - _txlock=immediate：事务一开始就拿写锁，写事务串行化
// - _busy_timeout：等锁而不是立刻报 SQLITE_BUSY
// - _foreign_keys：开启外键，保证删除商品时级联删除预占
const sqliteParams = "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL"

// Open 按驱动打开数据库连接，gorm 的告警与错误写入 log。
func Open(driver, dsn string, log zerolog.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: logger.New(gormWriter{log: log}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	switch driver {
	case "sqlite", "":
		if !strings.Contains(dsn, "?") {
			dsn = dsn + "?" + sqliteParams
		}
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}

type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...any) {
	w.log.Warn().Msgf(format, args...)
}

// Store 是商品库存与预占行的持久化层，所有写路径都在事务里完成。
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

// Migrate 自动建表。
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(model.All()...)
}

// InTx 在单个事务内执行 fn，fn 返回错误则整体回滚。
func (s *Store) InTx(ctx context.Context, op string, fn func(tx *Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		return fn(&Tx{db: gtx})
	}, txOptions(s.db.Dialector.Name())...)
	return classify(op, err)
}

// txOptions 按方言选择事务隔离级别。
// MySQL 默认 REPEATABLE READ 会在第一条读时固定快照，行锁之后的汇总读不到别的事务刚提交的预占，
// 因此用 READ COMMITTED：加锁之后的每条语句都能看到最新提交。sqlite 的写事务本身串行，沿用默认。
func txOptions(dialect string) []*sql.TxOptions {
	if dialect == "mysql" {
		return []*sql.TxOptions{{Isolation: sql.LevelReadCommitted}}
	}
	return nil
}

// classify 把底层错误归类：业务错误原样返回，记录不存在转 NotFound，其余视为临时故障。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(op, "record not found")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Transient(op, pkgerrors.WithStack(err))
}

// Tx 是事务内的操作集合。
type Tx struct {
	db *gorm.DB
}
