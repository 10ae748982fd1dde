// Package storetest 为其他包的测试提供一个迁移好的临时 sqlite 库。
package storetest

import (
	"path/filepath"
	"testing"

	"stock_hold/internal/model"
	"stock_hold/internal/store"

	"github.com/rs/zerolog"
)

// New 在 t.TempDir() 下创建数据库文件并迁移，测试结束自动关闭。
func New(t testing.TB) *store.Store {
	t.Helper()
	db, err := store.Open("sqlite", filepath.Join(t.TempDir(), "stock_hold.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// Product 建一个测试商品。
func Product(t testing.TB, s *store.Store, name string, stock, price int64) *model.Product {
	t.Helper()
	p := &model.Product{Name: name, StockOnHand: stock, Price: price}
	if err := s.DB().Create(p).Error; err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p
}
