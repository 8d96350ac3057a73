package solver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ab12", normalize(" a b-1 2\n"))
	assert.Equal(t, "X9k3", normalize("`X9k3`"))
	assert.Equal(t, "", normalize("验证码"))
}

func TestFunc(t *testing.T) {
	var got []byte
	s := Func(func(_ context.Context, image []byte) (string, error) {
		got = image
		return "ab12", nil
	})
	code, err := s.Solve(context.Background(), []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "ab12", code)
	assert.Equal(t, []byte{1, 2}, got)
}

func TestNewCommand(t *testing.T) {
	_, err := NewCommand("   ")
	assert.Error(t, err)

	c, err := NewCommand("ocr --digits  -")
	require.NoError(t, err)
	assert.Equal(t, []string{"ocr", "--digits", "-"}, c.Argv)
}

func TestCommand_Solve(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	c := &Command{Argv: []string{"sh", "-c", `test "$(cat)" = "IMG" && printf ' ab12\n'`}}
	code, err := c.Solve(context.Background(), []byte("IMG"))
	require.NoError(t, err)
	assert.Equal(t, "ab12", code)
}

func TestCommand_SolveFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	c := &Command{Argv: []string{"sh", "-c", `echo unreadable >&2; exit 3`}}
	_, err := c.Solve(context.Background(), []byte("IMG"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreadable")
}

func TestBuildPrompt(t *testing.T) {
	assert.Contains(t, buildPrompt(4), "exactly those 4 characters")
	assert.NotContains(t, buildPrompt(0), "exactly")
}

func TestAnthropic_Solve(t *testing.T) {
	var req map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "Ab 12."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 3}
		}`)
	}))
	defer srv.Close()

	s := NewAnthropic("test-key", "", 4, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	code, err := s.Solve(context.Background(), []byte("\xff\xd8\xff\xe0jpegdata"))
	require.NoError(t, err)
	assert.Equal(t, "Ab12", code)

	assert.Equal(t, DefaultModel, req["model"])
	messages, ok := req["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	content := messages[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	image := content[0].(map[string]any)
	assert.Equal(t, "image", image["type"])
	source := image["source"].(map[string]any)
	assert.Equal(t, "image/jpeg", source["media_type"])
}

func TestAnthropic_EmptyImage(t *testing.T) {
	s := NewAnthropic("test-key", "", 4)
	code, err := s.Solve(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestAnthropic_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	s := NewAnthropic("bad", "", 4, option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	_, err := s.Solve(context.Background(), []byte("\x89PNG\r\n\x1a\n"))
	assert.Error(t, err)
}
