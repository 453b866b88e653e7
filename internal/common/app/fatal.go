package app

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/bookdist/internal/common/logging"
)

// ErrStopped is returned by components asked to do work after the process has been told to stop.
var ErrStopped = errors.New("process is stopping after a fatal error")

// FatalCoordinator records the first fatal error reported by any component and cancels the context it
// was created with. Later reports are logged and otherwise ignored.
type FatalCoordinator struct {
	mutex  sync.Mutex
	err    error
	cancel context.CancelFunc
	log    *logrus.Entry
}

func NewFatalCoordinator(parent context.Context, log *logrus.Entry) (context.Context, *FatalCoordinator) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &FatalCoordinator{cancel: cancel, log: log}
}

// Fail records err as the reason the process must stop. Only the first call has any effect on Err.
func (f *FatalCoordinator) Fail(err error) {
	if err == nil {
		return
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		logging.WithStacktrace(f.log, err).Warn("additional fatal error reported while stopping")
		return
	}
	f.err = err
	logging.WithStacktrace(f.log, err).Error("fatal consistency error; stopping")
	f.cancel()
}

func (f *FatalCoordinator) Err() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.err
}

func (f *FatalCoordinator) Failed() bool {
	return f.Err() != nil
}

// Cancel stops the coordinated context without recording an error.
func (f *FatalCoordinator) Cancel() {
	f.cancel()
}
