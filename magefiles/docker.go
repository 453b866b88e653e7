//go:build mage

package main

import (
	"strings"
	"time"

	semver "github.com/Masterminds/semver/v3"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

const DOCKER_VERSION_CONSTRAINT = ">= 19.0.0"

var dependencies = [][]string{
	{"--name=redis", "-p=6379:6379", "redis:6.2.6"},
	{"--name=postgres", "-p=5432:5432", "-e", "POSTGRES_PASSWORD=psw", "-e", "POSTGRES_DB=bookdist", "postgres:14.2"},
	{"--name=pulsar", "-p=6650:6650", "-p=8080:8080", "apachepulsar/pulsar:2.10.2", "bin/pulsar", "standalone"},
}

func dockerBinary() string {
	return binaryWithExt("docker")
}

func dockerOutput(args ...string) (string, error) {
	return sh.Output(dockerBinary(), args...)
}

func dockerRun(args ...string) error {
	return sh.Run(dockerBinary(), args...)
}

func dockerVersion() (*semver.Version, error) {
	output, err := dockerOutput("--version")
	if err != nil {
		return nil, errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) < 3 {
		return nil, errors.Errorf("unexpected version cmd output: %s", output)
	}
	version, err := semver.NewVersion(strings.Trim(fields[2], ","))
	if err != nil {
		return nil, errors.Errorf("error parsing version: %v", err)
	}
	return version, nil
}

func dockerCheck() error {
	version, err := dockerVersion()
	if err != nil {
		return errors.Errorf("error getting version: %v", err)
	}
	constraint, err := semver.NewConstraint(DOCKER_VERSION_CONSTRAINT)
	if err != nil {
		return errors.Errorf("error parsing constraint: %v", err)
	}
	if !constraint.Check(version) {
		return errors.Errorf("found version %v but it failed constraint %v", version, constraint)
	}
	return nil
}

func startDependencies() error {
	for _, dependency := range dependencies {
		if err := dockerRun(append([]string{"run", "-d"}, dependency...)...); err != nil {
			return err
		}
	}
	return nil
}

func stopDependencies() error {
	return dockerRun("rm", "-f", "redis", "postgres", "pulsar")
}

// waitForPulsar polls the standalone broker until its admin API lists the default tenant.
func waitForPulsar(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		output, err := dockerOutput("exec", "pulsar", "bin/pulsar-admin", "tenants", "list")
		if err == nil && strings.Contains(output, "public") {
			return dockerRun("exec", "pulsar", "bin/pulsar-admin", "namespaces", "create", "public/bookdist")
		}
		time.Sleep(time.Second)
	}
	return errors.Errorf("pulsar did not start within %s", timeout)
}
