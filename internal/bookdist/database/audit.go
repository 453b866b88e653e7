package database

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

const (
	readersTable         = "readers"
	readerLanguagesTable = "reader_languages"
	booksTable           = "books"
)

var dialect = goqu.Dialect("postgres")

// AuditRepository records who subscribed and which books they read.
type AuditRepository interface {
	ReaderExists(ctx context.Context, address string) (bool, error)
	InsertReader(ctx context.Context, reader model.Reader) error
	SetSubscription(ctx context.Context, address string, subscribed bool) error
	DeleteReader(ctx context.Context, address string) error
	InsertBook(ctx context.Context, address string, book model.Book, acquiredAt time.Time) (int64, error)
	SetReadTime(ctx context.Context, id int64, readAt time.Time) error
	DeleteBook(ctx context.Context, id int64) error
	LatestUnreadBookId(ctx context.Context, address string) (int64, bool, error)
}

type PostgresAuditRepository struct {
	db *pgxpool.Pool
}

func NewPostgresAuditRepository(db *pgxpool.Pool) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

// ReaderExists is true for any stored reader, subscribed or not.
func (r *PostgresAuditRepository) ReaderExists(ctx context.Context, address string) (bool, error) {
	sql, args, err := readerCountSql(address)
	if err != nil {
		return false, err
	}
	var count int64
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return false, errors.Wrapf(err, "error checking whether reader %s exists", address)
	}
	return count > 0, nil
}

// InsertReader stores the reader and one row per language in a single transaction.
func (r *PostgresAuditRepository) InsertReader(ctx context.Context, reader model.Reader) error {
	readerSql, readerArgs, err := insertReaderSql(reader)
	if err != nil {
		return err
	}
	languagesSql, languagesArgs, err := insertLanguagesSql(reader)
	if err != nil {
		return err
	}
	err = r.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, readerSql, readerArgs...); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, languagesSql, languagesArgs...)
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return errors.WithStack(&bookdisterrors.ErrAlreadyExists{Type: "reader", Value: reader.Address})
	}
	return errors.Wrapf(err, "error inserting reader %s", reader.Address)
}

func (r *PostgresAuditRepository) SetSubscription(ctx context.Context, address string, subscribed bool) error {
	sql, args, err := setSubscriptionSql(address, subscribed)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Wrapf(err, "error setting subscription of reader %s", address)
	}
	if tag.RowsAffected() == 0 {
		return errors.WithStack(&bookdisterrors.ErrNotFound{Type: "reader", Value: address})
	}
	return nil
}

// DeleteReader removes the reader together with its languages and books.
func (r *PostgresAuditRepository) DeleteReader(ctx context.Context, address string) error {
	sql, args, err := deleteReaderSql(address)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.Wrapf(err, "error deleting reader %s", address)
}

// InsertBook records that the reader started the book and returns the id of the new row.
func (r *PostgresAuditRepository) InsertBook(ctx context.Context, address string, book model.Book, acquiredAt time.Time) (int64, error) {
	sql, args, err := insertBookSql(address, book, acquiredAt)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "error inserting book %s for reader %s", book.Name, address)
	}
	return id, nil
}

func (r *PostgresAuditRepository) SetReadTime(ctx context.Context, id int64, readAt time.Time) error {
	sql, args, err := setReadTimeSql(id, readAt)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.Wrapf(err, "error setting read time of book %d", id)
}

func (r *PostgresAuditRepository) DeleteBook(ctx context.Context, id int64) error {
	sql, args, err := deleteBookSql(id)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.Wrapf(err, "error deleting book %d", id)
}

// LatestUnreadBookId returns the highest id among the reader's books with no read time.
func (r *PostgresAuditRepository) LatestUnreadBookId(ctx context.Context, address string) (int64, bool, error) {
	sql, args, err := latestUnreadBookSql(address)
	if err != nil {
		return 0, false, err
	}
	var id pgtype.Int8
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, false, errors.Wrapf(err, "error finding unread book of reader %s", address)
	}
	if id.Status != pgtype.Present {
		return 0, false, nil
	}
	return id.Int, true, nil
}

func readerCountSql(address string) (string, []interface{}, error) {
	sql, args, err := dialect.From(readersTable).
		Prepared(true).
		Select(goqu.COUNT("*")).
		Where(goqu.C("address").Eq(address)).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func insertReaderSql(reader model.Reader) (string, []interface{}, error) {
	sql, args, err := dialect.Insert(readersTable).
		Prepared(true).
		Rows(goqu.Record{
			"address":       reader.Address,
			"surname":       reader.Surname,
			"name":          reader.Name,
			"pages_per_day": reader.PagesPerDay,
			"active_days":   reader.ActiveDays,
			"passive_days":  reader.PassiveDays,
			"registered_at": reader.RegisteredAt,
			"subscription":  true,
		}).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func insertLanguagesSql(reader model.Reader) (string, []interface{}, error) {
	rows := make([]interface{}, 0, len(reader.Languages))
	for _, l := range reader.Languages {
		rows = append(rows, goqu.Record{
			"reader_address": reader.Address,
			"language":       string(l.Language),
			"level":          l.Level,
		})
	}
	sql, args, err := dialect.Insert(readerLanguagesTable).
		Prepared(true).
		Rows(rows...).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func setSubscriptionSql(address string, subscribed bool) (string, []interface{}, error) {
	sql, args, err := dialect.Update(readersTable).
		Prepared(true).
		Set(goqu.Record{"subscription": subscribed}).
		Where(goqu.C("address").Eq(address)).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func deleteReaderSql(address string) (string, []interface{}, error) {
	sql, args, err := dialect.Delete(readersTable).
		Prepared(true).
		Where(goqu.C("address").Eq(address)).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func insertBookSql(address string, book model.Book, acquiredAt time.Time) (string, []interface{}, error) {
	sql, args, err := dialect.Insert(booksTable).
		Prepared(true).
		Rows(goqu.Record{
			"reader_address": address,
			"book_id":        book.Id,
			"name":           book.Name,
			"language":       string(book.Language),
			"pages":          book.Pages,
			"acquired_at":    acquiredAt,
		}).
		Returning("id").
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func setReadTimeSql(id int64, readAt time.Time) (string, []interface{}, error) {
	sql, args, err := dialect.Update(booksTable).
		Prepared(true).
		Set(goqu.Record{"read_at": readAt}).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func deleteBookSql(id int64) (string, []interface{}, error) {
	sql, args, err := dialect.Delete(booksTable).
		Prepared(true).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func latestUnreadBookSql(address string) (string, []interface{}, error) {
	sql, args, err := dialect.From(booksTable).
		Prepared(true).
		Select(goqu.MAX("id")).
		Where(
			goqu.C("reader_address").Eq(address),
			goqu.C("read_at").IsNull(),
		).
		ToSQL()
	return sql, args, errors.WithStack(err)
}
