//go:build integration

package testutil

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

const defaultBrokers = "localhost:19092"

// TestBrokers returns the Redpanda broker addresses for integration
// tests. Override with INTEGRATION_REDPANDA_BROKERS.
func TestBrokers() []string {
	brokers := os.Getenv("INTEGRATION_REDPANDA_BROKERS")
	if brokers == "" {
		brokers = defaultBrokers
	}
	return strings.Split(brokers, ",")
}

// TestTopicName generates a unique topic name from the test name and the
// current timestamp so parallel runs never collide.
func TestTopicName(t *testing.T) string {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "-")
	name = strings.ReplaceAll(name, " ", "-")
	return fmt.Sprintf("test-%s-%d", name, time.Now().UnixNano())
}
