package worker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/flowfile/flowfile/internal/plan"
	"github.com/flowfile/flowfile/internal/schema"
	"github.com/flowfile/flowfile/internal/table"
)

func driverName(driver string) (string, error) {
	switch driver {
	case "sqlite":
		return "sqlite", nil
	case "mysql":
		return "mysql", nil
	default:
		return "", fmt.Errorf("unknown database driver %q", driver)
	}
}

func qualifiedTable(schemaName, tableName string) string {
	if schemaName != "" {
		return quoteIdent(schemaName) + "." + quoteIdent(tableName)
	}
	return quoteIdent(tableName)
}

// quoteIdent uses backtick quoting, which both mysql and sqlite accept.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (e *Executor) databaseRead(ctx context.Context, op *plan.DatabaseReadOp, maxRows int) (*table.Table, error) {
	driver, err := driverName(op.Driver)
	if err != nil {
		return nil, fmt.Errorf("database_reader: %w", err)
	}
	db, err := sql.Open(driver, op.DSN)
	if err != nil {
		return nil, fmt.Errorf("database_reader: %w", err)
	}
	defer db.Close()

	query := op.Query
	if query == "" {
		query = "SELECT * FROM " + qualifiedTable(op.Schema, op.Table)
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database_reader: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("database_reader: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("database_reader: %w", err)
	}
	cols := make(schema.Schema, len(names))
	for i, n := range names {
		cols[i] = schema.Column{Name: n, Type: sqlColumnType(types[i])}
	}

	var out [][]any
	scan := make([]any, len(names))
	for i := range scan {
		scan[i] = new(any)
	}
	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("database_reader: %w", err)
		}
		nr := make([]any, len(names))
		for i := range scan {
			v, err := table.Coerce(normalizeSQL(*scan[i].(*any)), cols[i].Type)
			if err != nil {
				// Driver reported a narrower type than the data carries.
				cols[i].Type = schema.String
				v = fmt.Sprint(*scan[i].(*any))
			}
			nr[i] = v
		}
		out = append(out, nr)
		if maxRows > 0 && len(out) >= maxRows {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database_reader: %w", err)
	}
	return table.New(cols, out)
}

func sqlColumnType(ct *sql.ColumnType) schema.ColumnType {
	switch strings.ToUpper(ct.DatabaseTypeName()) {
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "MEDIUMINT":
		return schema.Int64
	case "FLOAT", "DOUBLE", "REAL", "DECIMAL", "NUMERIC":
		return schema.Float64
	case "BOOL", "BOOLEAN":
		return schema.Boolean
	case "DATE":
		return schema.Date
	case "DATETIME", "TIMESTAMP":
		return schema.Datetime
	default:
		return schema.String
	}
}

func normalizeSQL(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x
	default:
		return v
	}
}

func (e *Executor) databaseWrite(ctx context.Context, op *plan.DatabaseWriteOp, t *table.Table) error {
	driver, err := driverName(op.Driver)
	if err != nil {
		return fmt.Errorf("database_writer: %w", err)
	}
	db, err := sql.Open(driver, op.DSN)
	if err != nil {
		return fmt.Errorf("database_writer: %w", err)
	}
	defer db.Close()

	target := qualifiedTable(op.Schema, op.Table)
	if op.WriteMode == "overwrite" {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+target); err != nil {
			return fmt.Errorf("database_writer: %w", err)
		}
	}
	if err := ensureTable(ctx, db, target, t.Schema()); err != nil {
		return fmt.Errorf("database_writer: %w", err)
	}

	cols := t.Schema()
	colNames := make([]string, len(cols))
	holes := make([]string, len(cols))
	for i, c := range cols {
		colNames[i] = quoteIdent(c.Name)
		holes[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		target, strings.Join(colNames, ", "), strings.Join(holes, ", "))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database_writer: %w", err)
	}
	defer tx.Rollback()
	prep, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("database_writer: %w", err)
	}
	defer prep.Close()
	for _, r := range t.Rows() {
		args := make([]any, len(r))
		for i, v := range r {
			if ts, ok := v.(time.Time); ok {
				v = ts.Format("2006-01-02 15:04:05")
			}
			args[i] = v
		}
		if _, err := prep.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("database_writer: %w", err)
		}
	}
	return tx.Commit()
}

func ensureTable(ctx context.Context, db *sql.DB, target string, cols schema.Schema) error {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c.Name) + " " + sqlTypeFor(c.Type)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", target, strings.Join(defs, ", "))
	_, err := db.ExecContext(ctx, ddl)
	return err
}

func sqlTypeFor(t schema.ColumnType) string {
	switch {
	case t.IsInteger(), t == schema.Boolean:
		return "BIGINT"
	case t.IsFloat(), t == schema.Decimal:
		return "DOUBLE"
	case t == schema.Date:
		return "DATE"
	case t == schema.Datetime:
		return "DATETIME"
	default:
		return "TEXT"
	}
}
