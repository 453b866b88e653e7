package health

import (
	"fmt"
	"sync"
)

// StartupCompleteChecker fails until MarkComplete has been called.
type StartupCompleteChecker struct {
	mutex            sync.Mutex
	startupCompleted bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (checker *StartupCompleteChecker) MarkComplete() {
	checker.mutex.Lock()
	defer checker.mutex.Unlock()
	checker.startupCompleted = true
}

func (checker *StartupCompleteChecker) Check() error {
	checker.mutex.Lock()
	defer checker.mutex.Unlock()
	if checker.startupCompleted {
		return nil
	}
	return fmt.Errorf("startup is not complete")
}
