package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aescanero/dagrun/pkg/adapters/tools"
)

func fakeMessagesAPI(t *testing.T, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "hello "}, {"type": "text", "text": "world"}],
			"stop_reason": "end_turn",
			"stop_sequence": null,
			"usage": {"input_tokens": 7, "output_tokens": 2}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInvoke(t *testing.T) {
	var captured map[string]any
	srv := fakeMessagesAPI(t, &captured)

	tool, err := New(Config{APIKey: "test-key", BaseURL: srv.URL, DefaultModel: "claude-test"}, nil)
	require.NoError(t, err)

	out, err := tool.Invoke(context.Background(), json.RawMessage(`{"prompt":"say hello","max_tokens":64}`))
	require.NoError(t, err)

	var result Output
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "hello world", result.Text)
	assert.Equal(t, "claude-test", result.Model)
	assert.Equal(t, "end_turn", result.StopReason)
	assert.Equal(t, int64(7), result.InputTokens)

	assert.Equal(t, "claude-test", captured["model"])
	assert.Equal(t, float64(64), captured["max_tokens"])
}

func TestInvokeRequiresPrompt(t *testing.T) {
	tool, err := New(Config{APIKey: "test-key"}, nil)
	require.NoError(t, err)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`{"prompt":"  "}`))
	require.Error(t, err)

	_, err = tool.Invoke(context.Background(), json.RawMessage(`[]`))
	require.Error(t, err)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	tool, err := New(Config{APIKey: "test-key"}, nil)
	require.NoError(t, err)

	r := tools.NewRegistry(nil)
	require.NoError(t, tool.Register(r))
	assert.True(t, r.HasTool(ToolName))
}
