package health

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MultiChecker passes only when all of its checkers pass; failures are joined one per line.
type MultiChecker struct {
	mutex    sync.Mutex
	checkers []Checker
}

func NewMultiChecker(checkers ...Checker) *MultiChecker {
	return &MultiChecker{
		checkers: checkers,
	}
}

func (mc *MultiChecker) Check() error {
	mc.mutex.Lock()
	checkers := append([]Checker(nil), mc.checkers...)
	mc.mutex.Unlock()

	var failures []string
	for _, checker := range checkers {
		if err := checker.Check(); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return errors.New(strings.Join(failures, "\n"))
}

func (mc *MultiChecker) Add(checker Checker) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.checkers = append(mc.checkers, checker)
}
