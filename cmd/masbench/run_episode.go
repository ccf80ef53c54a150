package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/davidahmann/masbench/core/agent"
	"github.com/davidahmann/masbench/core/casebundle"
	"github.com/davidahmann/masbench/core/device"
	"github.com/davidahmann/masbench/core/episode"
	"github.com/davidahmann/masbench/core/logx"
)

func runEpisodeCommand(arguments []string) int {
	flags := flag.NewFlagSet("run-episode", flag.ContinueOnError)
	bundleDir := flags.String("bundle", "", "case bundle directory (task/policy/eval[/attack])")
	serial := flags.String("device", "", "android serial (emulator-NNNN); defaults to ANDROID_SERIAL")
	outDir := flags.String("out", "", "output directory for the evidence pack")
	seed := flags.Int64("seed", 0, "episode seed recorded in the run manifest")
	snapshot := flags.String("snapshot", "", "emulator snapshot to load during reset")
	agentEndpoint := flags.String("agent", "", "agent RPC endpoint (agent-driven mode)")
	adbServer := flags.String("adb-server", "", "adb server host:port; defaults to ADB_SERVER_SOCKET")
	envProfile := flags.String("env-profile", "", "env profile (mas_core, android_world_compat)")
	debug := flags.Bool("debug", false, "debug logging")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}
	if *bundleDir == "" || *outDir == "" {
		fmt.Fprintln(os.Stderr, "run-episode requires --bundle and --out")
		return exitInvalidInput
	}

	logger, err := logx.New(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return exitInfraFailed
	}
	defer func() {
		_ = logger.Sync()
	}()

	bundle, err := casebundle.Load(*bundleDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load case bundle:", err)
		return exitInvalidInput
	}

	adbDevice, err := device.NewADBDevice(device.ADBOptions{Serial: *serial, ADBServer: *adbServer})
	if err != nil {
		fmt.Fprintln(os.Stderr, "device:", err)
		return exitInvalidInput
	}

	options := episode.Options{
		Bundle:        bundle,
		Device:        adbDevice,
		OutDir:        *outDir,
		Seed:          *seed,
		Snapshot:      *snapshot,
		ArtifactsRoot: os.Getenv("ARTIFACTS_ROOT"),
		EnvProfile:    *envProfile,
		ADBServer:     *adbServer,
		Logger:        logger,
	}
	if *agentEndpoint != "" {
		runner, err := agent.NewHTTPRunner(*agentEndpoint, time.Duration(bundle.Task.MaxSeconds+30)*time.Second)
		if err != nil {
			fmt.Fprintln(os.Stderr, "agent:", err)
			return exitInvalidInput
		}
		options.Remote = runner
	} else {
		fmt.Fprintln(os.Stderr, "run-episode requires --agent (no in-process planner is bundled)")
		return exitInvalidInput
	}

	result, err := episode.Run(context.Background(), options)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run episode:", err)
		return exitInfraFailed
	}

	fmt.Printf("episode %s: oracle_decision=%s task_success=%s failure_class=%s\n",
		result.Summary.EpisodeID,
		result.Summary.OracleDecision,
		result.Summary.TaskSuccess,
		orDash(result.Summary.FailureClass),
	)
	fmt.Printf("evidence: %s\n", result.EpisodeDir)
	return result.ExitCode
}

func orDash(text string) string {
	if text == "" {
		return "-"
	}
	return text
}
