package testfixtures

import "sync"

// FatalReporter records every fatal error reported to it.
type FatalReporter struct {
	mutex sync.Mutex
	errs  []error
}

func (f *FatalReporter) Fail(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.errs = append(f.errs, err)
}

func (f *FatalReporter) Errors() []error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]error(nil), f.errs...)
}

func (f *FatalReporter) Failed() bool {
	return len(f.Errors()) > 0
}
