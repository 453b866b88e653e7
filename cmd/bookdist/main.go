package main

import (
	"os"

	"github.com/G-Research/bookdist/cmd/bookdist/cmd"
	"github.com/G-Research/bookdist/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
