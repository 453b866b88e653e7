package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/bookdist/internal/bookdist/model"
	commondb "github.com/G-Research/bookdist/internal/common/database"
)

var acquiredAt = time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)

func TestReaderCountSql(t *testing.T) {
	sql, args, err := readerCountSql("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) FROM "readers" WHERE ("address" = $1)`, sql)
	assert.Equal(t, []interface{}{"alice@example.com"}, args)
}

func TestInsertReaderSql(t *testing.T) {
	reader := model.Reader{
		Address:      "alice@example.com",
		Surname:      "Smith",
		Name:         "Alice",
		PagesPerDay:  100,
		ActiveDays:   5,
		PassiveDays:  2,
		RegisteredAt: acquiredAt,
		Languages:    []model.LanguageLevel{{Language: model.English, Level: 7}},
	}
	sql, args, err := insertReaderSql(reader)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "readers" ("active_days", "address", "name", "pages_per_day", "passive_days", "registered_at", "subscription", "surname") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sql)
	assert.Equal(t, []interface{}{int64(5), "alice@example.com", "Alice", int64(100), int64(2), acquiredAt, true, "Smith"}, args)
}

func TestInsertLanguagesSql_OneRowPerLanguage(t *testing.T) {
	reader := model.Reader{
		Address: "alice@example.com",
		Languages: []model.LanguageLevel{
			{Language: model.English, Level: 7},
			{Language: model.German, Level: 3},
		},
	}
	sql, args, err := insertLanguagesSql(reader)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "reader_languages" ("language", "level", "reader_address") VALUES ($1, $2, $3), ($4, $5, $6)`,
		sql)
	assert.Len(t, args, 6)
	assert.Equal(t, string(model.English), args[0])
	assert.Equal(t, string(model.German), args[3])
}

func TestInsertBookSql_ReturnsId(t *testing.T) {
	book := model.Book{Id: "b-1", Name: "War and Peace", Language: model.Russian, Pages: 1225}
	sql, args, err := insertBookSql("alice@example.com", book, acquiredAt)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "books" ("acquired_at", "book_id", "language", "name", "pages", "reader_address") VALUES ($1, $2, $3, $4, $5, $6) RETURNING "id"`,
		sql)
	assert.Equal(t, []interface{}{acquiredAt, "b-1", string(model.Russian), "War and Peace", int64(1225), "alice@example.com"}, args)
}

func TestUpdateSql(t *testing.T) {
	sql, args, err := setSubscriptionSql("alice@example.com", false)
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "readers" SET "subscription"=$1 WHERE ("address" = $2)`, sql)
	assert.Equal(t, []interface{}{false, "alice@example.com"}, args)

	sql, args, err = setReadTimeSql(42, acquiredAt)
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "books" SET "read_at"=$1 WHERE ("id" = $2)`, sql)
	assert.Equal(t, []interface{}{acquiredAt, int64(42)}, args)
}

func TestDeleteSql(t *testing.T) {
	sql, args, err := deleteReaderSql("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "readers" WHERE ("address" = $1)`, sql)
	assert.Equal(t, []interface{}{"alice@example.com"}, args)

	sql, args, err = deleteBookSql(7)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "books" WHERE ("id" = $1)`, sql)
	assert.Equal(t, []interface{}{int64(7)}, args)
}

func TestLatestUnreadBookSql(t *testing.T) {
	sql, args, err := latestUnreadBookSql("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT MAX("id") FROM "books" WHERE (("reader_address" = $1) AND ("read_at" IS NULL))`,
		sql)
	assert.Equal(t, []interface{}{"alice@example.com"}, args)
}

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := commondb.ReadMigrations(fs, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.Equal(t, 1, migrations[0].Id())
	assert.Equal(t, "001_init.sql", migrations[0].Name())
}

