package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// resetLogging clears all package state so each test starts from a clean
// workspace. Tests share the package, so this must undo lazy initialization.
func resetLogging() {
	CloseAll()
	CloseAudit()
	baseDirMu.Lock()
	baseDir = "."
	baseDirMu.Unlock()
	cfgOnce = sync.Once{}
	cfg = fileConfig{}
	auditOnce = sync.Once{}
	auditShared = nil
}

func writeLoggingConfig(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, ".dossier")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()
	writeLoggingConfig(t, tempDir, `{"logging": {"level": "debug"}}`)

	resetLogging()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	categories := []Category{
		CategoryBoot,
		CategoryServer,
		CategoryJobs,
		CategoryMaker,
		CategoryLLM,
		CategoryIngest,
		CategoryEmbed,
		CategoryStore,
		CategorySearch,
		CategoryWatch,
		CategoryWorker,
		CategoryPolicy,
		CategoryMonitor,
	}

	for _, cat := range categories {
		logger := Get(cat)
		logger.Debug("debug line for %s", cat)
		logger.Info("info line for %s", cat)
		logger.Warn("warn line for %s", cat)
		logger.Error("error line for %s", cat)
	}

	// Convenience functions should land in the same files.
	Boot("boot convenience line")
	Server("server convenience line")
	Jobs("jobs convenience line")
	Maker("maker convenience line")
	Ingest("ingest convenience line")
	Store("store convenience line")
	Search("search convenience line")
	Watch("watch convenience line")
	Worker("worker convenience line")
	Policy("policy convenience line")
	Monitor("monitor convenience line")

	CloseAll()

	logsPath := filepath.Join(tempDir, ".dossier", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), "_"+string(cat)+".log") {
				continue
			}
			found = true
			content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
			if err != nil {
				t.Errorf("Failed to read log file for %s: %v", cat, err)
				break
			}
			if len(content) == 0 {
				t.Errorf("Log file for %s is empty", cat)
			}
			if !strings.Contains(string(content), "[DEBUG]") {
				t.Errorf("Expected debug line in %s log, got:\n%s", cat, content)
			}
			break
		}
		if !found {
			t.Errorf("No log file found for category %s", cat)
		}
	}
}

func TestLoggingDisabled(t *testing.T) {
	tempDir := t.TempDir()
	writeLoggingConfig(t, tempDir, `{"logging": {"enabled": false}}`)

	resetLogging()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	Boot("should not be written")
	Jobs("should not be written")
	Get(CategoryIngest).Error("should not be written")

	if err := InitAudit(); err != nil {
		t.Fatalf("InitAudit: %v", err)
	}
	Audit().JobTransition(AuditJobQueued, "job-20260825-deadbeef", "verification", 0)

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, ".dossier", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	if len(entries) > 0 {
		t.Errorf("Expected no log files when logging disabled, found %d", len(entries))
		for _, e := range entries {
			t.Logf("  - %s", e.Name())
		}
	}
}

func TestCategoryLevelOverride(t *testing.T) {
	tempDir := t.TempDir()
	writeLoggingConfig(t, tempDir, `{"logging": {"level": "error", "categories": {"maker": "debug"}}}`)

	resetLogging()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	Jobs("suppressed info line")
	JobsError("surviving error line")
	MakerDebug("surviving debug line")

	CloseAll()

	logsPath := filepath.Join(tempDir, ".dossier", "logs")

	jobsContent := readCategoryLog(t, logsPath, CategoryJobs)
	if strings.Contains(jobsContent, "suppressed info line") {
		t.Error("jobs info line should be suppressed at error level")
	}
	if !strings.Contains(jobsContent, "surviving error line") {
		t.Error("jobs error line should be written at error level")
	}

	makerContent := readCategoryLog(t, logsPath, CategoryMaker)
	if !strings.Contains(makerContent, "surviving debug line") {
		t.Error("maker debug line should be written with per-category debug override")
	}
}

func readCategoryLog(t *testing.T, logsPath string, cat Category) string {
	t.Helper()
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), "_"+string(cat)+".log") {
			content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
			if err != nil {
				t.Fatalf("Failed to read %s log: %v", cat, err)
			}
			return string(content)
		}
	}
	return ""
}

func TestStructuredLog(t *testing.T) {
	tempDir := t.TempDir()

	resetLogging()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	StructuredLog(CategoryIngest, LevelInfo, "document_committed", map[string]interface{}{
		"document_id": "doc-123",
		"chunks":      7,
	})

	CloseAll()

	content := readCategoryLog(t, filepath.Join(tempDir, ".dossier", "logs"), CategoryIngest)
	if content == "" {
		t.Fatal("Expected structured log output")
	}

	line := strings.TrimSpace(content)
	idx := strings.Index(line, "{")
	if idx < 0 {
		t.Fatalf("No JSON payload in line: %s", line)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(line[idx:]), &payload); err != nil {
		t.Fatalf("Structured payload is not valid JSON: %v\nline: %s", err, line)
	}
	if payload["event"] != "document_committed" {
		t.Errorf("event = %v, want document_committed", payload["event"])
	}
	if payload["document_id"] != "doc-123" {
		t.Errorf("document_id = %v, want doc-123", payload["document_id"])
	}
	if _, ok := payload["ts"]; !ok {
		t.Error("structured payload missing ts")
	}
}

func TestRequestLogger(t *testing.T) {
	tempDir := t.TempDir()

	resetLogging()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	rl := WithRequestID(CategoryServer, "req-42").WithField("job", "job-20260825-cafe0001")
	rl.Info("dispatching stage %s", "verify")

	CloseAll()

	content := readCategoryLog(t, filepath.Join(tempDir, ".dossier", "logs"), CategoryServer)
	if !strings.Contains(content, "[req=req-42]") {
		t.Errorf("Expected request id prefix in log, got:\n%s", content)
	}
	if !strings.Contains(content, "job=job-20260825-cafe0001") {
		t.Errorf("Expected job field in log, got:\n%s", content)
	}
	if !strings.Contains(content, "dispatching stage verify") {
		t.Errorf("Expected message in log, got:\n%s", content)
	}
}

func TestTimer(t *testing.T) {
	tempDir := t.TempDir()
	writeLoggingConfig(t, tempDir, `{"logging": {"level": "debug"}}`)

	resetLogging()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	timer := StartTimer(CategorySearch, "hybrid query")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()
	if elapsed <= 0 {
		t.Error("Timer should record a non-zero duration")
	}

	slow := StartTimer(CategorySearch, "slow query")
	time.Sleep(2 * time.Millisecond)
	slow.StopWithThreshold(time.Microsecond)

	CloseAll()

	content := readCategoryLog(t, filepath.Join(tempDir, ".dossier", "logs"), CategorySearch)
	if !strings.Contains(content, "hybrid query took") {
		t.Errorf("Expected timer line, got:\n%s", content)
	}
	if !strings.Contains(content, "[WARN]") {
		t.Errorf("Expected threshold warning, got:\n%s", content)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
