// Command e2e runs end-to-end scenarios against a deployed library
// services instance, exercising it through the broker and verifying
// convergence in the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bibliotek/library-services/e2e/runner"
	_ "github.com/bibliotek/library-services/e2e/tests" // Register all tests
)

func main() {
	env := flag.String("env", "local", "Environment (local, dev, staging)")
	testName := flag.String("test", "", "Specific test to run (runs all if empty)")
	list := flag.Bool("list", false, "List available tests")
	flag.Parse()

	if *list {
		runner.ListTests()
		os.Exit(0)
	}

	cfg := runner.LoadConfig(*env)

	fmt.Printf("E2E Test Runner\n")
	fmt.Printf("Environment: %s\n", cfg.Env)
	fmt.Printf("Database:    %s\n", cfg.DatabaseURL)
	fmt.Printf("Brokers:     %s\n", cfg.Brokers)
	fmt.Println("─────────────────────────────────────────")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, stopping tests...")
		cancel()
	}()

	var exitCode int

	if *testName != "" {
		result, err := runner.RunSingle(ctx, *testName, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !result.Passed {
			exitCode = 1
		}
	} else {
		results := runner.RunAll(ctx, cfg)
		runner.PrintSummary(results)

		for _, r := range results {
			if !r.Passed {
				exitCode = 1
				break
			}
		}
	}

	os.Exit(exitCode)
}
