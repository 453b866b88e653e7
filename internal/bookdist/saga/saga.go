// Package saga runs a multi-store write as an ordered list of steps, each paired with the action
// that undoes it.
package saga

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/bookdist/internal/common/logging"
)

type Action func(ctx context.Context) error

// Step is one forward action and its compensation. Compensate may be nil for steps that have
// nothing to undo, typically the last one.
type Step struct {
	Name       string
	Forward    Action
	Compensate Action
}

type Saga struct {
	name  string
	steps []Step
	log   *logrus.Entry
}

func New(name string, log *logrus.Entry) *Saga {
	return &Saga{name: name, log: log.WithField("saga", name)}
}

func (s *Saga) Then(name string, forward Action, compensate Action) *Saga {
	s.steps = append(s.steps, Step{Name: name, Forward: forward, Compensate: compensate})
	return s
}

// ErrAborted is returned when a forward step failed. Cause is the failure of that step and
// CompensationErr aggregates any compensation that also failed.
type ErrAborted struct {
	Saga            string
	Step            string
	Cause           error
	CompensationErr error
}

func (err *ErrAborted) Error() string {
	if err.CompensationErr != nil {
		return fmt.Sprintf("saga %s aborted at step %s: %v (compensation also failed: %v)",
			err.Saga, err.Step, err.Cause, err.CompensationErr)
	}
	return fmt.Sprintf("saga %s aborted at step %s: %v", err.Saga, err.Step, err.Cause)
}

func (err *ErrAborted) Unwrap() error {
	return err.Cause
}

// Execute runs the steps in order. When step n fails, the compensations of steps n-1..1 run in
// reverse order and an *ErrAborted is returned. Compensations all run even if some of them fail.
func (s *Saga) Execute(ctx context.Context) error {
	for i, step := range s.steps {
		err := step.Forward(ctx)
		if err == nil {
			continue
		}
		logging.WithStacktrace(s.log, err).WithField("step", step.Name).Warn("saga step failed; compensating")
		var result *multierror.Error
		for j := i - 1; j >= 0; j-- {
			previous := s.steps[j]
			if previous.Compensate == nil {
				continue
			}
			if compErr := previous.Compensate(ctx); compErr != nil {
				logging.WithStacktrace(s.log, compErr).WithField("step", previous.Name).Error("compensation failed")
				result = multierror.Append(result, compErr)
			}
		}
		return &ErrAborted{
			Saga:            s.name,
			Step:            step.Name,
			Cause:           err,
			CompensationErr: result.ErrorOrNil(),
		}
	}
	return nil
}
