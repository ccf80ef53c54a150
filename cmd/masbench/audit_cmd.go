package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/davidahmann/masbench/core/audit"
	"github.com/davidahmann/masbench/core/casebundle"
	"github.com/davidahmann/masbench/core/evidence"
	"github.com/davidahmann/masbench/core/facts"
	"github.com/davidahmann/masbench/core/oracle"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// runAuditCommand re-runs the detector and assertion engines over an already
// sealed episode. Replaying on the same pack yields identical facts and
// assertion results; this is the audit-side entry point for that property.
func runAuditCommand(arguments []string) int {
	flags := flag.NewFlagSet("audit", flag.ContinueOnError)
	episodeDir := flags.String("episode", "", "sealed episode directory")
	bundleDir := flags.String("bundle", "", "case bundle directory")
	if err := flags.Parse(arguments); err != nil {
		return exitInvalidInput
	}
	if *episodeDir == "" || *bundleDir == "" {
		fmt.Fprintln(os.Stderr, "audit requires --episode and --bundle")
		return exitInvalidInput
	}

	bundle, err := casebundle.Load(*bundleDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load case bundle:", err)
		return exitInvalidInput
	}
	sealed, err := evidence.OpenSealed(*episodeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open evidence pack:", err)
		return exitInvalidInput
	}

	caseContext := facts.NewCaseContext(bundle)
	factList, err := facts.Run(sealed, caseContext)
	if err != nil {
		fmt.Fprintln(os.Stderr, "detectors:", err)
		return exitInfraFailed
	}

	enabled, _, err := audit.CompileEnabled(bundle.Policy, bundle.Eval)
	if err != nil {
		fmt.Fprintln(os.Stderr, "compile assertions:", err)
		return exitInvalidInput
	}
	results, err := audit.RunWithFacts(sealed, caseContext, enabled, factList)
	if err != nil {
		fmt.Fprintln(os.Stderr, "assertions:", err)
		return exitInfraFailed
	}

	failCount := 0
	for _, result := range results {
		if result.Result == schemaevidence.ResultFail {
			failCount++
		}
		fmt.Printf("%-34s %-12s %s\n", result.AssertionID, result.Result, result.InconclusiveReason)
	}
	fmt.Printf("facts=%d assertions=%d fails=%d\n", len(factList), len(results), failCount)
	if failCount > 0 {
		return exitTaskFailed
	}
	return exitOK
}

func runOraclesCommand() int {
	for _, id := range oracle.IDs() {
		fmt.Println(id)
	}
	return exitOK
}
