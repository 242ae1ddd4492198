package ledger

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/nao1215/onramp-gateway/pkg/migration"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

// InitSchema はSQLiteデータベースに台帳スキーマを適用する。
// マイグレーションは冪等であり、起動のたびに呼び出して安全である。
func InitSchema(db *sql.DB) error {
	if err := migration.Run(db, migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("台帳スキーマの適用に失敗: %w", err)
	}
	return nil
}
