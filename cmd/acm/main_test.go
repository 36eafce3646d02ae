package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = `{
  "goal": {"id": "g-1", "intent": "copy inputs through"},
  "plan": {
    "id": "p-1",
    "context_ref": "",
    "tasks": [
      {"id": "t1", "capability": "echo", "input": {"msg": "hello"}},
      {"id": "t2", "capability": "echo", "input": {"msg": "goodbye"}}
    ],
    "edges": [{"from": "t1", "to": "t2"}]
  }
}`

func writeSamplePlan(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0o600))
	return path
}

func TestRun_NoArgs(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"acm"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Usage")
}

func TestRun_UnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"acm", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestRun_Help(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"acm", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "checkpoints")
	assert.Empty(t, errOut.String())
}

func TestRunCommand_MissingPlan(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"acm", "run"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "-plan is required")
}

func TestRunVerifyCheckpoints_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ACM_CHECKPOINT_BACKEND", "file")
	t.Setenv("ACM_CHECKPOINT_PATH", filepath.Join(dir, "checkpoints"))

	planPath := writeSamplePlan(t)
	ledgerPath := filepath.Join(dir, "run.jsonl")

	var out, errOut bytes.Buffer
	code := Run([]string{
		"acm", "run",
		"-plan", planPath,
		"-run-id", "run-cli-1",
		"-ledger", ledgerPath,
	}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())

	var summary map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, "run-cli-1", summary["run_id"])
	assert.Equal(t, "succeeded", summary["status"])
	assert.Equal(t, float64(2), summary["completed"])

	out.Reset()
	errOut.Reset()
	code = Run([]string{"acm", "verify", "-ledger", ledgerPath}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())
	assert.Contains(t, out.String(), "ok:")

	out.Reset()
	errOut.Reset()
	code = Run([]string{"acm", "checkpoints", "-run-id", "run-cli-1"}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())
	ids := strings.Fields(out.String())
	assert.Equal(t, []string{"chk-1", "chk-2"}, ids)
}

func TestVerify_TamperDetected(t *testing.T) {
	t.Setenv("ACM_CHECKPOINT_BACKEND", "memory")

	dir := t.TempDir()
	planPath := writeSamplePlan(t)
	ledgerPath := filepath.Join(dir, "run.jsonl")

	var out, errOut bytes.Buffer
	code := Run([]string{"acm", "run", "-plan", planPath, "-ledger", ledgerPath}, &out, &errOut)
	require.Equal(t, 0, code, "stderr: %s", errOut.String())

	raw, err := os.ReadFile(ledgerPath)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"msg":"hello"`), []byte(`"msg":"jello"`), 1)
	if bytes.Equal(raw, tampered) {
		tampered = bytes.Replace(raw, []byte("t1"), []byte("tX"), 1)
	}
	require.NoError(t, os.WriteFile(ledgerPath, tampered, 0o600))

	out.Reset()
	errOut.Reset()
	code = Run([]string{"acm", "verify", "-ledger", ledgerPath}, &out, &errOut)
	assert.Equal(t, 1, code)
}

func TestResumeCommand_MissingRunID(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"acm", "resume"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "-run-id is required")
}
