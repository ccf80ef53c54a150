package main

import (
	"fmt"
	"os"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK           = 0
	exitTaskFailed   = 2
	exitAgentFailed  = 3
	exitInconclusive = 4
	exitInfraFailed  = 5
	exitInvalidInput = 64
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		printUsage()
		return exitOK
	}
	switch arguments[1] {
	case "run-episode":
		return runEpisodeCommand(arguments[2:])
	case "audit":
		return runAuditCommand(arguments[2:])
	case "oracles":
		return runOraclesCommand()
	case "version", "--version", "-v":
		fmt.Println("masbench", version)
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Println(`masbench - mobile-agent benchmark evaluation engine

Usage:
  masbench run-episode --bundle <dir> --device <serial> --out <dir> --seed <int>
  masbench audit --episode <dir> --bundle <dir>
  masbench oracles
  masbench version

Exit codes (run-episode):
  0 task_success   2 task_failed   3 agent_failed
  4 oracle_inconclusive   5 infra_failed`)
}
