package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youssefsiam38/chatcompact/api"
	"github.com/youssefsiam38/chatcompact/compaction"
	"github.com/youssefsiam38/chatcompact/types"
)

func writeTranscript(t *testing.T, n int) string {
	t.Helper()
	msgs := make([]*types.Message, 0, n)
	for i := 1; i <= n; i++ {
		role := types.RoleUser
		if i%2 == 0 {
			role = types.RoleAssistant
		}
		msgs = append(msgs, types.NewTextMessage(fmt.Sprintf("m%d", i), role, strings.Repeat("x", 40)))
	}
	raw, err := json.Marshal(msgs)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "thread.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPayloadCommand(t *testing.T) {
	path := writeTranscript(t, 2)

	out, err := execute(t, "payload", "--model", "gpt-4o-mini", path)
	require.NoError(t, err)

	var resp api.PayloadResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, []string{"m1", "m2"}, resp.SurvivingMessageIDs)
	assert.Equal(t, 20, resp.Usage.TotalTokens)
	require.NotNil(t, resp.Usage.Budget)
	assert.Equal(t, 128000, *resp.Usage.Budget)
	require.NotNil(t, resp.Usage.EstimatedResponseTokens)
	assert.Equal(t, 16384, *resp.Usage.EstimatedResponseTokens)
	assert.False(t, resp.ShouldCompress)
}

func TestPayloadCommandErrors(t *testing.T) {
	_, err := execute(t, "payload")
	assert.Error(t, err)

	_, err = execute(t, "payload", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = execute(t, "payload", "--model", "unknown", writeTranscript(t, 1))
	assert.ErrorIs(t, err, compaction.ErrInvalidConfig)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"not": "a list"}`), 0o600))
	_, err = execute(t, "payload", bad)
	assert.Error(t, err)
}

func TestPayloadCommandStdin(t *testing.T) {
	raw, err := os.ReadFile(writeTranscript(t, 3))
	require.NoError(t, err)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetIn(bytes.NewReader(raw))
	cmd.SetArgs([]string{"payload", "-"})
	require.NoError(t, cmd.Execute())

	var resp api.PayloadResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Len(t, resp.Messages, 3)
}

func TestSummarizeCommand(t *testing.T) {
	t.Setenv("CHATCOMPACT_LOG_LEVEL", "error")
	path := writeTranscript(t, 10)

	out, err := execute(t, "summarize", path)
	require.NoError(t, err)

	var resp SummarizeOutput
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, "manual", resp.Snapshot.Reason)
	assert.NotEmpty(t, resp.Snapshot.SurvivingMessageIDs)
	assert.NotEmpty(t, resp.Messages)
	require.NotNil(t, resp.Usage)
}
