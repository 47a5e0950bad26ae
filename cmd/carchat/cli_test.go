package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hpungsan/carchat/internal/capability"
	"github.com/hpungsan/carchat/internal/config"
	"github.com/hpungsan/carchat/internal/db"
	"github.com/hpungsan/carchat/internal/ops"
	"github.com/hpungsan/carchat/internal/transcript"
	"github.com/hpungsan/carchat/internal/workflow"
)

// setupServices creates a temporary database and engine for testing.
func setupServices(t *testing.T) *services {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	repo := ops.NewRepository(database, cfg)
	engine, err := workflow.New(workflow.Deps{Repo: repo, Logger: zerolog.Nop()}, cfg)
	if err != nil {
		t.Fatalf("workflow.New: %v", err)
	}
	return &services{cfg: cfg, repo: repo, engine: engine, log: zerolog.Nop()}
}

// runCLI runs args against a fresh app and returns captured stdout.
func runCLI(t *testing.T, svc *services, stdin string, args ...string) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.String()
	}()

	if stdin != "" {
		oldStdin := os.Stdin
		stdinR, stdinW, _ := os.Pipe()
		os.Stdin = stdinR
		go func() {
			_, _ = stdinW.WriteString(stdin)
			stdinW.Close()
		}()
		defer func() { os.Stdin = oldStdin }()
	}

	err := newCLIApp(svc).Run(append([]string{"carchat"}, args...))

	w.Close()
	out := <-done
	os.Stdout = oldStdout
	return out, err
}

// TestParseDuration tests the parseDuration helper function.
func TestParseDuration(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    int
		expectError bool
	}{
		{name: "valid days", input: "7d", expected: 7},
		{name: "zero days", input: "0d", expected: 0},
		{name: "negative days", input: "-7d", expectError: true},
		{name: "no suffix", input: "7", expectError: true},
		{name: "wrong suffix", input: "7h", expectError: true},
		{name: "empty string", input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseDuration(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestParseSnapshot(t *testing.T) {
	snap, err := parseSnapshot(`{"brand":"Honda","price":120000}`)
	if err != nil {
		t.Fatalf("parseSnapshot: %v", err)
	}
	if price, ok := snap.Number("price"); !ok || price != 120000 {
		t.Errorf("price = %v, %v", price, ok)
	}

	if _, err := parseSnapshot(`[1,2]`); err == nil {
		t.Error("expected error for non-object snapshot")
	}
}

// TestCLIAsk tests the ask command with arguments and with stdin.
func TestCLIAsk(t *testing.T) {
	svc := setupServices(t)

	out, err := runCLI(t, svc, "", "ask", "--subject=car-1", "--session=s1",
		`--snapshot={"brand":"Honda","model":"Civic","price":120000}`,
		"Como", "funciona", "o", "financiamento?")
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}

	var res workflow.TurnResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to parse output: %v\nOutput: %s", err, out)
	}
	if res.Capability != capability.Financial {
		t.Errorf("capability = %s, want financial", res.Capability)
	}
	if !strings.Contains(res.Text, "R$ 120.000") {
		t.Errorf("text = %q, want formatted price", res.Text)
	}
	if res.ConversationID == "" {
		t.Fatal("expected conversation ID")
	}

	out, err = runCLI(t, svc, "Qual a potência do motor?\n", "ask", "--subject=car-1", "--session=s1")
	if err != nil {
		t.Fatalf("ask from stdin failed: %v", err)
	}
	var second workflow.TurnResult
	if err := json.Unmarshal([]byte(out), &second); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if second.ConversationID != res.ConversationID {
		t.Errorf("expected session continuity, got %s and %s", res.ConversationID, second.ConversationID)
	}
}

func TestCLIAsk_BadSnapshot(t *testing.T) {
	svc := setupServices(t)

	_, err := runCLI(t, svc, "", "ask", "--snapshot=nope", "oi")
	if err == nil || !strings.Contains(err.Error(), "[INVALID_REQUEST]") {
		t.Errorf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestCLIRoute(t *testing.T) {
	svc := setupServices(t)

	out, err := runCLI(t, svc, "", "route", "Qual a potência do motor?")
	if err != nil {
		t.Fatalf("route failed: %v", err)
	}

	var output struct {
		Route struct {
			Capability string  `json:"capability"`
			Confidence float64 `json:"confidence"`
		} `json:"route"`
		Scores []json.RawMessage `json:"scores"`
	}
	if err := json.Unmarshal([]byte(out), &output); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if output.Route.Capability != "technical" {
		t.Errorf("capability = %s, want technical", output.Route.Capability)
	}
	if len(output.Scores) != 6 {
		t.Errorf("scores = %d, want 6", len(output.Scores))
	}
}

// TestCLIConversationCommands covers history, list and close.
func TestCLIConversationCommands(t *testing.T) {
	svc := setupServices(t)

	out, err := runCLI(t, svc, "", "ask", "--subject=car-1", "--session=s1", "Tem", "garantia?")
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	var res workflow.TurnResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}

	out, err = runCLI(t, svc, "", "history", res.ConversationID)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var history ops.HistoryOutput
	if err := json.Unmarshal([]byte(out), &history); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if len(history.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(history.Messages))
	}

	if _, err := runCLI(t, svc, "", "close", res.ConversationID); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	out, err = runCLI(t, svc, "", "list", "--session=s1", "--open")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var list ops.ListOutput
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if len(list.Items) != 0 {
		t.Errorf("open conversations = %d, want 0", len(list.Items))
	}

	if _, err := runCLI(t, svc, "", "history"); err == nil {
		t.Error("expected error without conversation ID")
	}
}

func TestCLIContextAndAnalytics(t *testing.T) {
	svc := setupServices(t)

	if _, err := runCLI(t, svc, "", "ask", "--subject=car-1", "--session=s1", "Gosto", "de", "Honda"); err != nil {
		t.Fatalf("ask failed: %v", err)
	}

	out, err := runCLI(t, svc, "", "context", "--session=s1", "--window=7d")
	if err != nil {
		t.Fatalf("context failed: %v", err)
	}
	var uc ops.UserContext
	if err := json.Unmarshal([]byte(out), &uc); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if uc.ConversationCount != 1 {
		t.Errorf("conversation_count = %d, want 1", uc.ConversationCount)
	}
	if len(uc.BrandPreferences) != 1 || uc.BrandPreferences[0] != "Honda" {
		t.Errorf("brand_preferences = %v, want [Honda]", uc.BrandPreferences)
	}

	if _, err := runCLI(t, svc, "", "analytics", "--window=7"); err == nil {
		t.Error("expected error for window without unit")
	}
	out, err = runCLI(t, svc, "", "analytics", "--window=7d")
	if err != nil {
		t.Fatalf("analytics failed: %v", err)
	}
	var a ops.Analytics
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if a.WindowDays != 7 || a.MessageCount != 2 {
		t.Errorf("analytics = %+v", a)
	}
}

func TestCLIExport(t *testing.T) {
	svc := setupServices(t)

	out, err := runCLI(t, svc, "", "ask", "--subject=car-1", "Qual", "o", "consumo?")
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	var res workflow.TurnResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}

	t.Run("markdown to stdout", func(t *testing.T) {
		out, err := runCLI(t, svc, "", "export", res.ConversationID)
		if err != nil {
			t.Fatalf("export failed: %v", err)
		}
		if !strings.HasPrefix(out, "# Conversa "+res.ConversationID) {
			t.Errorf("unexpected markdown: %s", out)
		}
	})

	t.Run("jsonl to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "exports", "out.jsonl")
		if _, err := runCLI(t, svc, "", "export", "--format=jsonl", "--path="+path, res.ConversationID); err != nil {
			t.Fatalf("export failed: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read export: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 2 {
			t.Fatalf("lines = %d, want header + 1 record", len(lines))
		}
		var header transcript.ExportHeader
		if err := json.Unmarshal([]byte(lines[0]), &header); err != nil {
			t.Fatalf("parse header: %v", err)
		}
		if !header.CarchatExport || header.Count != 1 {
			t.Errorf("header = %+v", header)
		}
	})

	t.Run("html takes one conversation", func(t *testing.T) {
		_, err := runCLI(t, svc, "", "export", "--format=html", res.ConversationID, res.ConversationID)
		if err == nil {
			t.Error("expected error for multi-conversation html")
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := runCLI(t, svc, "", "export", "--format=pdf", res.ConversationID)
		if err == nil || !strings.Contains(err.Error(), "format must be one of") {
			t.Errorf("expected format error, got %v", err)
		}
	})
}

func TestCLIIntrospection(t *testing.T) {
	svc := setupServices(t)

	out, err := runCLI(t, svc, "", "health")
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	var health workflow.Health
	if err := json.Unmarshal([]byte(out), &health); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %s", health.Status)
	}

	out, err = runCLI(t, svc, "", "capabilities")
	if err != nil {
		t.Fatalf("capabilities failed: %v", err)
	}
	if !strings.Contains(out, `"usage-fit"`) {
		t.Errorf("expected usage-fit in %s", out)
	}
}
