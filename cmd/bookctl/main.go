package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/bookdist/cmd/bookctl/cmd"
	"github.com/G-Research/bookdist/internal/common"
	"github.com/G-Research/bookdist/internal/common/app"
)

func main() {
	common.ConfigureCommandLineLogging()
	common.BindCommandlineArguments()
	if err := cmd.RootCmd().ExecuteContext(app.CreateContextWithShutdown(log.NewEntry(log.StandardLogger()))); err != nil {
		os.Exit(1)
	}
}
