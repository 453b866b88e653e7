// Package testfixtures holds in-memory stores and canned readers and books for tests.
package testfixtures

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

// failures maps an operation name (e.g. "AppendBook") to the error it should return.
type failures struct {
	mutex sync.Mutex
	errs  map[string]error
}

func (f *failures) FailOn(op string, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[op] = err
}

func (f *failures) Clear(op string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	delete(f.errs, op)
}

func (f *failures) check(op string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.errs[op]
}

// DocumentStore is an in-memory document store.
type DocumentStore struct {
	failures
	mutex        sync.Mutex
	readers      map[string]*model.ReaderState
	calls        []string
	beforeAppend func()
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{readers: make(map[string]*model.ReaderState)}
}

func (s *DocumentStore) record(op string) error {
	s.calls = append(s.calls, op)
	return s.check(op)
}

// BeforeAppendBook makes every later AppendBook call fn before it writes anything.
func (s *DocumentStore) BeforeAppendBook(fn func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.beforeAppend = fn
}

func (s *DocumentStore) Calls() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *DocumentStore) UpsertReader(_ context.Context, state model.ReaderState) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("UpsertReader"); err != nil {
		return err
	}
	snapshot := state.Snapshot()
	s.readers[state.Address] = &snapshot
	return nil
}

func (s *DocumentStore) DeleteReader(_ context.Context, address string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("DeleteReader"); err != nil {
		return err
	}
	delete(s.readers, address)
	return nil
}

func (s *DocumentStore) AppendBook(_ context.Context, address string, payload model.BookPayload, freeAtQueued time.Time) error {
	s.mutex.Lock()
	before := s.beforeAppend
	s.mutex.Unlock()
	if before != nil {
		before()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("AppendBook"); err != nil {
		return err
	}
	reader, err := s.get(address)
	if err != nil {
		return err
	}
	reader.Queue = append(reader.Queue, payload)
	reader.FreeAtQueued = freeAtQueued
	return nil
}

func (s *DocumentStore) PopFront(_ context.Context, address string) (model.BookPayload, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("PopFront"); err != nil {
		return "", false, err
	}
	reader, err := s.get(address)
	if err != nil || len(reader.Queue) == 0 {
		return "", false, err
	}
	payload := reader.Queue[0]
	reader.Queue = reader.Queue[1:]
	return payload, true, nil
}

func (s *DocumentStore) PopBack(_ context.Context, address string) (model.BookPayload, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("PopBack"); err != nil {
		return "", false, err
	}
	reader, err := s.get(address)
	if err != nil || len(reader.Queue) == 0 {
		return "", false, err
	}
	payload := reader.Queue[len(reader.Queue)-1]
	reader.Queue = reader.Queue[:len(reader.Queue)-1]
	return payload, true, nil
}

func (s *DocumentStore) PushFront(_ context.Context, address string, payload model.BookPayload) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("PushFront"); err != nil {
		return err
	}
	reader, err := s.get(address)
	if err != nil {
		return err
	}
	reader.Queue = append([]model.BookPayload{payload}, reader.Queue...)
	return nil
}

func (s *DocumentStore) StartBook(_ context.Context, address string, freeAtActive time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("StartBook"); err != nil {
		return err
	}
	reader, err := s.get(address)
	if err != nil {
		return err
	}
	if len(reader.Queue) == 0 {
		return errors.WithStack(&bookdisterrors.ErrNotFound{
			Type:    "queued book",
			Value:   address,
			Message: "the reader's stored queue is empty",
		})
	}
	reader.FreeAtActive = freeAtActive
	reader.Queue = reader.Queue[1:]
	return nil
}

func (s *DocumentStore) SetFreeAt(_ context.Context, address string, freeAtQueued time.Time, freeAtActive time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("SetFreeAt"); err != nil {
		return err
	}
	reader, err := s.get(address)
	if err != nil {
		return err
	}
	reader.FreeAtQueued = freeAtQueued
	reader.FreeAtActive = freeAtActive
	return nil
}

func (s *DocumentStore) GetAllReaders(_ context.Context) ([]model.ReaderState, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("GetAllReaders"); err != nil {
		return nil, err
	}
	result := make([]model.ReaderState, 0, len(s.readers))
	for _, reader := range s.readers {
		result = append(result, reader.Snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].RegisteredAt.Before(result[j].RegisteredAt)
		}
		return result[i].Address < result[j].Address
	})
	return result, nil
}

func (s *DocumentStore) CountReaders(_ context.Context) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("CountReaders"); err != nil {
		return 0, err
	}
	return len(s.readers), nil
}

// Reader returns a copy of the stored reader.
func (s *DocumentStore) Reader(address string) (model.ReaderState, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	reader, ok := s.readers[address]
	if !ok {
		return model.ReaderState{}, false
	}
	return reader.Snapshot(), true
}

func (s *DocumentStore) get(address string) (*model.ReaderState, error) {
	reader, ok := s.readers[address]
	if !ok {
		return nil, errors.WithStack(&bookdisterrors.ErrNotFound{Type: "reader", Value: address})
	}
	return reader, nil
}

// AuditBook is one row of the in-memory books table.
type AuditBook struct {
	Id         int64
	Address    string
	Book       model.Book
	AcquiredAt time.Time
	ReadAt     *time.Time
}

type AuditReader struct {
	Reader     model.Reader
	Subscribed bool
}

// AuditStore is an in-memory relational audit store.
type AuditStore struct {
	failures
	mutex   sync.Mutex
	readers map[string]*AuditReader
	books   map[int64]*AuditBook
	nextId  int64
	calls   []string
}

func NewAuditStore() *AuditStore {
	return &AuditStore{
		readers: make(map[string]*AuditReader),
		books:   make(map[int64]*AuditBook),
	}
}

func (s *AuditStore) record(op string) error {
	s.calls = append(s.calls, op)
	return s.check(op)
}

func (s *AuditStore) Calls() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *AuditStore) ReaderExists(_ context.Context, address string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("ReaderExists"); err != nil {
		return false, err
	}
	_, ok := s.readers[address]
	return ok, nil
}

func (s *AuditStore) InsertReader(_ context.Context, reader model.Reader) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("InsertReader"); err != nil {
		return err
	}
	if _, ok := s.readers[reader.Address]; ok {
		return errors.WithStack(&bookdisterrors.ErrAlreadyExists{Type: "reader", Value: reader.Address})
	}
	s.readers[reader.Address] = &AuditReader{Reader: reader.Copy(), Subscribed: true}
	return nil
}

func (s *AuditStore) SetSubscription(_ context.Context, address string, subscribed bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("SetSubscription"); err != nil {
		return err
	}
	reader, ok := s.readers[address]
	if !ok {
		return errors.WithStack(&bookdisterrors.ErrNotFound{Type: "reader", Value: address})
	}
	reader.Subscribed = subscribed
	return nil
}

func (s *AuditStore) DeleteReader(_ context.Context, address string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("DeleteReader"); err != nil {
		return err
	}
	delete(s.readers, address)
	for id, book := range s.books {
		if book.Address == address {
			delete(s.books, id)
		}
	}
	return nil
}

func (s *AuditStore) InsertBook(_ context.Context, address string, book model.Book, acquiredAt time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("InsertBook"); err != nil {
		return 0, err
	}
	s.nextId++
	s.books[s.nextId] = &AuditBook{Id: s.nextId, Address: address, Book: book, AcquiredAt: acquiredAt}
	return s.nextId, nil
}

func (s *AuditStore) SetReadTime(_ context.Context, id int64, readAt time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("SetReadTime"); err != nil {
		return err
	}
	book, ok := s.books[id]
	if !ok {
		return errors.WithStack(&bookdisterrors.ErrNotFound{Type: "book", Value: strconv.FormatInt(id, 10)})
	}
	book.ReadAt = &readAt
	return nil
}

func (s *AuditStore) DeleteBook(_ context.Context, id int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("DeleteBook"); err != nil {
		return err
	}
	delete(s.books, id)
	return nil
}

func (s *AuditStore) LatestUnreadBookId(_ context.Context, address string) (int64, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.record("LatestUnreadBookId"); err != nil {
		return 0, false, err
	}
	var latest int64
	for id, book := range s.books {
		if book.Address == address && book.ReadAt == nil && id > latest {
			latest = id
		}
	}
	return latest, latest > 0, nil
}

// AddUnreadBook inserts a book row as if it had been acquired before a restart.
func (s *AuditStore) AddUnreadBook(address string, book model.Book, acquiredAt time.Time) int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.nextId++
	s.books[s.nextId] = &AuditBook{Id: s.nextId, Address: address, Book: book, AcquiredAt: acquiredAt}
	return s.nextId
}

func (s *AuditStore) Books() []AuditBook {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	result := make([]AuditBook, 0, len(s.books))
	for _, book := range s.books {
		result = append(result, *book)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result
}

func (s *AuditStore) Reader(address string) (AuditReader, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	reader, ok := s.readers[address]
	if !ok {
		return AuditReader{}, false
	}
	return *reader, true
}
