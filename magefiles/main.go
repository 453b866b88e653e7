//go:build mage

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var binaries = []string{"bookdist", "bookctl"}

// Cleans build outputs and test reports.
func Clean() {
	fmt.Println("Cleaning...")
	for _, path := range []string{"bin", "test_reports"} {
		os.RemoveAll(path)
	}
}

// Check dependent tools are present and the correct version.
func CheckDeps() error {
	return dockerCheck()
}

// Builds bookdist and bookctl into ./bin.
func Build() error {
	mg.Deps(makeLocalBin)
	for _, binary := range binaries {
		out := binaryWithExt(LocalBin + "/" + binary)
		if err := sh.RunV("go", "build", "-o", out, "./cmd/"+binary); err != nil {
			return err
		}
	}
	return nil
}

// Starts redis, postgres and pulsar, then migrates the audit database.
func LocalDev() error {
	timeTaken := time.Now()
	mg.Deps(dockerCheck)
	if err := startDependencies(); err != nil {
		return err
	}
	fmt.Println("Waiting for dependencies to start...")
	if err := waitForPulsar(2 * time.Minute); err != nil {
		return err
	}
	if err := sh.RunV("go", "run", "./cmd/bookdist", "migrateDatabase"); err != nil {
		return err
	}
	fmt.Println("Time to start local dependencies:", time.Since(timeTaken))
	fmt.Println("Run: `go run ./cmd/bookdist run`")
	return nil
}

// Stops everything started by LocalDev.
func LocalDevStop() error {
	return stopDependencies()
}
