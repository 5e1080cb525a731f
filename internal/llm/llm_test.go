package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"NOT_DUPLICATE"}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3", 5*time.Second)
	out, err := c.Complete(context.Background(), "are these the same?")
	require.NoError(t, err)
	assert.Equal(t, "NOT_DUPLICATE", out)
}

func TestOllamaClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("model not loaded"))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3", 5*time.Second)
	_, err := c.Complete(context.Background(), "prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestOllamaClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"response":"too late"}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "llama3", 20*time.Millisecond)
	_, err := c.Complete(context.Background(), "prompt")
	require.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"action":"ADD"}`, `{"action":"ADD"}`, true},
		{"prose wrapped", "Here is my answer:\n```json\n{\"action\":\"UPDATE\",\"reason\":\"newer\"}\n```", `{"action":"UPDATE","reason":"newer"}`, true},
		{"nested", `{"a":{"b":1},"c":2} trailing`, `{"a":{"b":1},"c":2}`, true},
		{"brace in string", `{"reason":"use {} literally"}`, `{"reason":"use {} literally"}`, true},
		{"escaped quote", `{"reason":"say \"hi\" {"}`, `{"reason":"say \"hi\" {"}`, true},
		{"no json", "I cannot answer that.", "", false},
		{"unterminated", `{"action":"ADD"`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractJSON(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
