package repository

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/bookdist/internal/bookdist/model"
	"github.com/G-Research/bookdist/internal/common/bookdisterrors"
)

const (
	readerPrefix      = "Reader:"
	queueSuffix       = ":Queue"
	readersSetKey     = "Readers"
	readerField       = "reader"
	freeAtQueuedField = "freeAtQueued"
	freeAtActiveField = "freeAtActive"
)

// ReaderRepository is the document store holding every registered reader and its queue. It is the
// source of truth used to rebuild the group after a restart.
type ReaderRepository interface {
	UpsertReader(ctx context.Context, state model.ReaderState) error
	DeleteReader(ctx context.Context, address string) error
	AppendBook(ctx context.Context, address string, payload model.BookPayload, freeAtQueued time.Time) error
	PopFront(ctx context.Context, address string) (model.BookPayload, bool, error)
	PopBack(ctx context.Context, address string) (model.BookPayload, bool, error)
	PushFront(ctx context.Context, address string, payload model.BookPayload) error
	StartBook(ctx context.Context, address string, freeAtActive time.Time) error
	SetFreeAt(ctx context.Context, address string, freeAtQueued time.Time, freeAtActive time.Time) error
	GetAllReaders(ctx context.Context) ([]model.ReaderState, error)
	CountReaders(ctx context.Context) (int, error)
}

type RedisReaderRepository struct {
	db redis.UniversalClient
}

func NewRedisReaderRepository(db redis.UniversalClient) *RedisReaderRepository {
	return &RedisReaderRepository{db: db}
}

func readerKey(address string) string {
	return readerPrefix + address
}

func queueKey(address string) string {
	return readerPrefix + address + queueSuffix
}

// UpsertReader replaces everything stored for the reader, queue included.
func (r *RedisReaderRepository) UpsertReader(_ context.Context, state model.ReaderState) error {
	data, err := json.Marshal(state.Reader)
	if err != nil {
		return errors.Wrap(err, "[RedisReaderRepository.UpsertReader] error marshalling reader")
	}

	pipe := r.db.TxPipeline()
	pipe.HMSet(readerKey(state.Address), map[string]interface{}{
		readerField:       data,
		freeAtQueuedField: formatTime(state.FreeAtQueued),
		freeAtActiveField: formatTime(state.FreeAtActive),
	})
	pipe.Del(queueKey(state.Address))
	if len(state.Queue) > 0 {
		pipe.RPush(queueKey(state.Address), payloadsToValues(state.Queue)...)
	}
	pipe.SAdd(readersSetKey, state.Address)
	if _, err := pipe.Exec(); err != nil {
		return errors.Wrap(err, "[RedisReaderRepository.UpsertReader] error writing to database")
	}
	return nil
}

func (r *RedisReaderRepository) DeleteReader(_ context.Context, address string) error {
	pipe := r.db.TxPipeline()
	pipe.Del(readerKey(address), queueKey(address))
	pipe.SRem(readersSetKey, address)
	if _, err := pipe.Exec(); err != nil {
		return errors.Wrap(err, "[RedisReaderRepository.DeleteReader] error writing to database")
	}
	return nil
}

func (r *RedisReaderRepository) AppendBook(_ context.Context, address string, payload model.BookPayload, freeAtQueued time.Time) error {
	if err := r.checkExists(address, "AppendBook"); err != nil {
		return err
	}
	pipe := r.db.TxPipeline()
	pipe.RPush(queueKey(address), string(payload))
	pipe.HSet(readerKey(address), freeAtQueuedField, formatTime(freeAtQueued))
	if _, err := pipe.Exec(); err != nil {
		return errors.Wrap(err, "[RedisReaderRepository.AppendBook] error writing to database")
	}
	return nil
}

func (r *RedisReaderRepository) PopFront(_ context.Context, address string) (model.BookPayload, bool, error) {
	return r.pop(r.db.LPop(queueKey(address)), "PopFront")
}

func (r *RedisReaderRepository) PopBack(_ context.Context, address string) (model.BookPayload, bool, error) {
	return r.pop(r.db.RPop(queueKey(address)), "PopBack")
}

func (r *RedisReaderRepository) pop(cmd *redis.StringCmd, op string) (model.BookPayload, bool, error) {
	value, err := cmd.Result()
	if err == redis.Nil {
		return "", false, nil
	} else if err != nil {
		return "", false, errors.Wrapf(err, "[RedisReaderRepository.%s] error writing to database", op)
	}
	return model.BookPayload(value), true, nil
}

func (r *RedisReaderRepository) PushFront(_ context.Context, address string, payload model.BookPayload) error {
	if err := r.checkExists(address, "PushFront"); err != nil {
		return err
	}
	if err := r.db.LPush(queueKey(address), string(payload)).Err(); err != nil {
		return errors.Wrap(err, "[RedisReaderRepository.PushFront] error writing to database")
	}
	return nil
}

// StartBook records when the reader's current book completes and removes that book from the front
// of its stored queue. It returns ErrNotFound if the stored queue is empty; nothing is written then.
func (r *RedisReaderRepository) StartBook(_ context.Context, address string, freeAtActive time.Time) error {
	if err := r.checkExists(address, "StartBook"); err != nil {
		return err
	}
	queued, err := r.db.LLen(queueKey(address)).Result()
	if err != nil {
		return errors.Wrap(err, "[RedisReaderRepository.StartBook] error reading from database")
	}
	if queued == 0 {
		return emptyQueueError(address)
	}
	pipe := r.db.TxPipeline()
	pipe.HSet(readerKey(address), freeAtActiveField, formatTime(freeAtActive))
	pipe.LPop(queueKey(address))
	if _, err := pipe.Exec(); err == redis.Nil {
		return emptyQueueError(address)
	} else if err != nil {
		return errors.Wrap(err, "[RedisReaderRepository.StartBook] error writing to database")
	}
	return nil
}

func emptyQueueError(address string) error {
	return errors.WithStack(&bookdisterrors.ErrNotFound{
		Type:    "queued book",
		Value:   address,
		Message: "the reader's stored queue is empty",
	})
}

func (r *RedisReaderRepository) SetFreeAt(_ context.Context, address string, freeAtQueued time.Time, freeAtActive time.Time) error {
	if err := r.checkExists(address, "SetFreeAt"); err != nil {
		return err
	}
	err := r.db.HMSet(readerKey(address), map[string]interface{}{
		freeAtQueuedField: formatTime(freeAtQueued),
		freeAtActiveField: formatTime(freeAtActive),
	}).Err()
	if err != nil {
		return errors.Wrap(err, "[RedisReaderRepository.SetFreeAt] error writing to database")
	}
	return nil
}

// GetAllReaders returns every stored reader ordered by registration time, then address.
func (r *RedisReaderRepository) GetAllReaders(_ context.Context) ([]model.ReaderState, error) {
	addresses, err := r.db.SMembers(readersSetKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "[RedisReaderRepository.GetAllReaders] error reading from database")
	}

	readers := make([]model.ReaderState, 0, len(addresses))
	for _, address := range addresses {
		state, err := r.getReader(address)
		if err != nil {
			return nil, err
		}
		readers = append(readers, state)
	}
	sort.Slice(readers, func(i, j int) bool {
		if !readers[i].RegisteredAt.Equal(readers[j].RegisteredAt) {
			return readers[i].RegisteredAt.Before(readers[j].RegisteredAt)
		}
		return readers[i].Address < readers[j].Address
	})
	return readers, nil
}

func (r *RedisReaderRepository) CountReaders(_ context.Context) (int, error) {
	count, err := r.db.SCard(readersSetKey).Result()
	if err != nil {
		return 0, errors.Wrap(err, "[RedisReaderRepository.CountReaders] error reading from database")
	}
	return int(count), nil
}

func (r *RedisReaderRepository) getReader(address string) (model.ReaderState, error) {
	pipe := r.db.Pipeline()
	fieldsCmd := pipe.HGetAll(readerKey(address))
	queueCmd := pipe.LRange(queueKey(address), 0, -1)
	if _, err := pipe.Exec(); err != nil {
		return model.ReaderState{}, errors.Wrap(err, "[RedisReaderRepository.getReader] error reading from database")
	}

	fields := fieldsCmd.Val()
	data, ok := fields[readerField]
	if !ok {
		return model.ReaderState{}, errors.WithStack(&bookdisterrors.ErrNotFound{Type: "reader", Value: address})
	}
	state := model.ReaderState{}
	if err := json.Unmarshal([]byte(data), &state.Reader); err != nil {
		return model.ReaderState{}, errors.Wrap(err, "[RedisReaderRepository.getReader] error unmarshalling reader")
	}
	var err error
	if state.FreeAtQueued, err = parseTime(fields[freeAtQueuedField]); err != nil {
		return model.ReaderState{}, errors.Wrap(err, "[RedisReaderRepository.getReader] error parsing freeAtQueued")
	}
	if state.FreeAtActive, err = parseTime(fields[freeAtActiveField]); err != nil {
		return model.ReaderState{}, errors.Wrap(err, "[RedisReaderRepository.getReader] error parsing freeAtActive")
	}
	for _, value := range queueCmd.Val() {
		state.Queue = append(state.Queue, model.BookPayload(value))
	}
	return state, nil
}

func (r *RedisReaderRepository) checkExists(address string, op string) error {
	exists, err := r.db.Exists(readerKey(address)).Result()
	if err != nil {
		return errors.Wrapf(err, "[RedisReaderRepository.%s] error reading from database", op)
	}
	if exists == 0 {
		return errors.WithStack(&bookdisterrors.ErrNotFound{Type: "reader", Value: address})
	}
	return nil
}

func payloadsToValues(payloads []model.BookPayload) []interface{} {
	values := make([]interface{}, 0, len(payloads))
	for _, payload := range payloads {
		values = append(values, string(payload))
	}
	return values
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
