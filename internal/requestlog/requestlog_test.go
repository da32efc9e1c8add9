package requestlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestFileWriterAppendsOneJSONLinePerRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.log")
	writer, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}

	writer.Append(Entry{
		RequestID:  "req-1",
		Endpoint:   "/predict",
		Outcome:    "success",
		Label:      "cat",
		Confidence: 0.93,
		Duration:   12 * time.Millisecond,
	})
	writer.Append(Entry{
		RequestID: "req-2",
		Endpoint:  "/predict",
		Outcome:   "invalid_image",
		Duration:  1 * time.Millisecond,
		Error:     "invalid image payload",
	})
	if err := writer.Sync(); err != nil {
		t.Fatalf("failed to sync: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	defer file.Close()

	var records []map[string]interface{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("log line is not valid JSON: %v (%s)", err, scanner.Text())
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("failed to scan log: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	first := records[0]
	if first["request_id"] != "req-1" || first["outcome"] != "success" {
		t.Fatalf("unexpected first record: %v", first)
	}
	if first["predicted_class"] != "cat" {
		t.Fatalf("expected predicted_class on success record, got %v", first)
	}
	if _, ok := first["ts"]; !ok {
		t.Fatal("expected timestamp field on record")
	}

	second := records[1]
	if second["error"] != "invalid image payload" {
		t.Fatalf("expected error field on failure record, got %v", second)
	}
	if _, ok := second["predicted_class"]; ok {
		t.Fatal("failure record must not carry a predicted class")
	}
}

func TestFileWriterPreservesCallOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.log")
	writer, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}

	for i := 0; i < 5; i++ {
		writer.Append(Entry{RequestID: string(rune('a' + i)), Endpoint: "/predict", Outcome: "success"})
	}
	if err := writer.Sync(); err != nil {
		t.Fatalf("failed to sync: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	want := []string{"a", "b", "c", "d", "e"}
	i := 0
	for scanner.Scan() {
		var record map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("bad record: %v", err)
		}
		if record["request_id"] != want[i] {
			t.Fatalf("expected record %d to be %q, got %v", i, want[i], record["request_id"])
		}
		i++
	}
	if i != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), i)
	}
}

func TestFileWriterSerializesConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.log")
	writer, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				writer.Append(Entry{RequestID: "req", Endpoint: "/predict", Outcome: "success"})
			}
		}()
	}
	wg.Wait()
	if err := writer.Sync(); err != nil {
		t.Fatalf("failed to sync: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	defer file.Close()

	lines := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("interleaved or corrupt record: %v (%s)", err, scanner.Text())
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("failed to scan log: %v", err)
	}
	if lines != writers*perWriter {
		t.Fatalf("expected %d records, got %d", writers*perWriter, lines)
	}
}

func TestFileWriterCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "requests.log")
	writer, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("expected parent directories to be created, got %v", err)
	}
	writer.Append(Entry{RequestID: "req", Endpoint: "/predict", Outcome: "success"})
	if err := writer.Sync(); err != nil {
		t.Fatalf("failed to sync: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestNopWriterSwallowsEntries(t *testing.T) {
	var w Writer = NopWriter{}
	w.Append(Entry{RequestID: "ignored"})
}
