package testutil

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

// AssertEqual checks if two comparable values are equal
func AssertEqual(t *testing.T, expected, actual interface{}, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertTrue checks if a condition is true
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Fatalf("%s: expected true, got false", msg)
	}
}

// AssertNoError checks if an error is nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", msg, err)
	}
}

// AssertErrorContains checks if an error contains a specific substring
func AssertErrorContains(t *testing.T, err error, substr string, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error but got nil", msg)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("%s: error %q does not contain %q", msg, err.Error(), substr)
	}
}

// AssertStringContains checks if a string contains a substring
func AssertStringContains(t *testing.T, str, substr string, msg string) {
	t.Helper()
	if !strings.Contains(str, substr) {
		t.Fatalf("%s: string %q does not contain %q", msg, str, substr)
	}
}

// AssertNoFile fails if path exists
func AssertNoFile(t *testing.T, path string, msg string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("%s: %s should not exist", msg, path)
	} else if !os.IsNotExist(err) {
		t.Fatalf("%s: stat %s: %v", msg, path, err)
	}
}

// AssertDirEmpty fails if dir has any entries. A missing dir counts as empty.
func AssertDirEmpty(t *testing.T, dir string, msg string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		t.Fatalf("%s: read %s: %v", msg, dir, err)
	}
	if len(entries) > 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("%s: %s not empty: %v", msg, dir, names)
	}
}

// AssertJSONContainsKey checks if a JSON object contains a specific key
func AssertJSONContainsKey(t *testing.T, jsonStr, key string, msg string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		t.Fatalf("%s: invalid JSON: %v", msg, err)
	}
	if _, exists := result[key]; !exists {
		t.Fatalf("%s: JSON does not contain key %q", msg, key)
	}
}

// MustUnmarshalJSON unmarshals JSON or fails the test
func MustUnmarshalJSON(t *testing.T, jsonStr string, target interface{}) {
	t.Helper()
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v (%s)", err, jsonStr)
	}
}

// WaitForCondition waits for a condition to become true within timeout
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: condition not met within %v", msg, timeout)
}
