package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context that is cancelled on SIGINT or SIGTERM.
func CreateContextWithShutdown(log *logrus.Entry) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(signals)
		select {
		case s := <-signals:
			log.Infof("Received %s, shutting down", s)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
