package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCapability is returned when a book is offered to a reader with no proficiency in its language.
type ErrCapability struct {
	Reader   string
	Language Language
}

func (err *ErrCapability) Error() string {
	return fmt.Sprintf("reader %q cannot read books in %s", err.Reader, err.Language)
}

type Store string

const (
	DocumentStore   Store = "document"
	RelationalStore Store = "relational"
)

// ErrDurableStore is returned when a document or relational store operation fails.
type ErrDurableStore struct {
	Store Store
	Op    string
	Err   error
}

func (err *ErrDurableStore) Error() string {
	return fmt.Sprintf("%s store operation %s failed: %v", err.Store, err.Op, err.Err)
}

func (err *ErrDurableStore) Unwrap() error {
	return err.Err
}

// ErrBoundary is returned when a message queue operation fails.
type ErrBoundary struct {
	Op  string
	Err error
}

func (err *ErrBoundary) Error() string {
	return fmt.Sprintf("message queue operation %s failed: %v", err.Op, err.Err)
}

func (err *ErrBoundary) Unwrap() error {
	return err.Err
}

func NewDocumentStoreError(op string, err error) error {
	return errors.WithStack(&ErrDurableStore{Store: DocumentStore, Op: op, Err: err})
}

func NewRelationalStoreError(op string, err error) error {
	return errors.WithStack(&ErrDurableStore{Store: RelationalStore, Op: op, Err: err})
}

func NewBoundaryError(op string, err error) error {
	return errors.WithStack(&ErrBoundary{Op: op, Err: err})
}

// IsFatal reports whether err means the stores may have diverged and the process must stop.
func IsFatal(err error) bool {
	var durableErr *ErrDurableStore
	var boundaryErr *ErrBoundary
	return errors.As(err, &durableErr) || errors.As(err, &boundaryErr)
}

func IsCapability(err error) bool {
	var capabilityErr *ErrCapability
	return errors.As(err, &capabilityErr)
}
