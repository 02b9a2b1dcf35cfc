// Package main - scenario-runner
// Executable that runs the scripted economy scenarios and exits non-zero on failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/berdcoin/tapcoin/internal/platform/logger"
	"github.com/berdcoin/tapcoin/internal/scenario"
)

func main() {
	verbose := flag.Bool("v", false, "log every scenario")
	flag.Parse()

	fmt.Println("TAPCOIN ECONOMY SCENARIOS")
	fmt.Println(strings.Repeat("=", 60))

	log := logger.Discard()
	if *verbose {
		log = logger.NewLogger()
	}
	suite := scenario.NewSuite(log)
	results := suite.RunAll(context.Background())
	fmt.Print(scenario.Report(results))

	passed, failed := 0, 0
	for _, r := range results {
		if r.Passed {
			passed++
		} else {
			failed++
		}
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("   Passed: %d\n", passed)
	fmt.Printf("   Failed: %d\n", failed)
	if failed > 0 {
		os.Exit(1)
	}
}
