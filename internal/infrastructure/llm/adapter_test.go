package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmalens/backend/config"
	"github.com/pharmalens/backend/internal/domain"
)

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	answer  string
	err     error
	closed  bool
}

func (f *fakeGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeGenerator) Close() error {
	f.closed = true
	return nil
}

const buyerTable = `| Company | Product Name | Form | Strength | Manufacturing Location | Verification Source | Confidence (%) | URL | Additional Info |
|---|---|---|---|---|---|---|---|---|
| Cipla Ltd | Ibugesic (Ibuprofen) | Tablet | 400 mg | Goa, India | CDSCO | 92 | https://www.cipla.com | |`

func TestAdapter_Fetch(t *testing.T) {
	gen := &fakeGenerator{answer: buyerTable}
	adapter := NewAdapter("openai", gen, nil)

	assert.Equal(t, "openai", adapter.Name())
	assert.Equal(t, domain.KindLLMTable, adapter.Kind())

	evidence, err := adapter.Fetch(context.Background(), domain.Query{API: "ibuprofen", Country: "india"})
	require.NoError(t, err)
	require.Len(t, evidence, 2, "one prompt per role")

	assert.Equal(t, domain.RoleBuyer, evidence[0].Role)
	assert.Equal(t, domain.RoleManufacturer, evidence[1].Role)
	for _, ev := range evidence {
		assert.Equal(t, "openai", ev.Source)
		assert.Equal(t, domain.KindLLMTable, ev.Kind)
		assert.Equal(t, "ibuprofen", ev.API)
		assert.Equal(t, "india", ev.Country)
		assert.Equal(t, buyerTable, ev.Text)
		assert.False(t, ev.ObservedAt.IsZero())
	}

	require.Len(t, gen.prompts, 2)
	assert.Contains(t, gen.prompts[0], "FINISHED DOSAGE FORMS")
	assert.Contains(t, gen.prompts[0], "| Company | Product Name |")
	assert.Contains(t, gen.prompts[1], "API manufacturers of ibuprofen in india")
	assert.Contains(t, gen.prompts[1], "| manufacturers | country | usdmf | cep |")
}

func TestAdapter_FetchSingleRole(t *testing.T) {
	gen := &fakeGenerator{answer: "| manufacturers | country | usdmf | cep |"}
	adapter := NewAdapter("groq", gen, nil)

	evidence, err := adapter.Fetch(context.Background(), domain.Query{API: "ibuprofen", Role: domain.RoleManufacturer})
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, domain.RoleManufacturer, evidence[0].Role)
	assert.Contains(t, gen.prompts[0], "worldwide")
}

func TestAdapter_BlankAnswerIsEmpty(t *testing.T) {
	adapter := NewAdapter("claude", &fakeGenerator{answer: "  \n"}, nil)

	evidence, err := adapter.Fetch(context.Background(), domain.Query{API: "ibuprofen"})
	require.NoError(t, err)
	assert.Empty(t, evidence)
}

func TestAdapter_Errors(t *testing.T) {
	t.Run("provider failure", func(t *testing.T) {
		adapter := NewAdapter("gemini", &fakeGenerator{err: errors.New("401 unauthorized")}, nil)
		_, err := adapter.Fetch(context.Background(), domain.Query{API: "ibuprofen"})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
		assert.Contains(t, err.Error(), "gemini")
	})

	t.Run("deadline keeps its identity", func(t *testing.T) {
		adapter := NewAdapter("openai", &fakeGenerator{err: context.DeadlineExceeded}, nil)
		_, err := adapter.Fetch(context.Background(), domain.Query{API: "ibuprofen"})
		assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestAdapter_Close(t *testing.T) {
	gen := &fakeGenerator{}
	require.NoError(t, NewAdapter("gemini", gen, nil).Close())
	assert.True(t, gen.closed)
}

func TestOpenAIGenerator(t *testing.T) {
	var got struct {
		Model       string  `json:"model"`
		Temperature float32 `json:"temperature"`
		MaxTokens   int     `json:"max_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"| Company |"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	gen := NewGroqGenerator("test-key", "llama-3.3-70b-versatile", server.URL)
	answer, err := gen.Generate(context.Background(), "system text", "user text")
	require.NoError(t, err)

	assert.Equal(t, "| Company |", answer)
	assert.Equal(t, "llama-3.3-70b-versatile", got.Model)
	assert.InDelta(t, 0.3, got.Temperature, 0.001)
	assert.Equal(t, 1200, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user text", got.Messages[1].Content)
}

func TestOpenAIGenerator_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","choices":[]}`))
	}))
	defer server.Close()

	_, err := NewOpenAIGenerator("k", "gpt-4o", server.URL).Generate(context.Background(), "", "p")
	assert.Error(t, err)
}

func TestClaudeGenerator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-latest",
			"content":[{"type":"text","text":"| manufacturers | country |"}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer server.Close()

	answer, err := NewClaudeGenerator("test-key", "claude-3-5-sonnet-latest", server.URL).
		Generate(context.Background(), "system", "prompt")
	require.NoError(t, err)
	assert.Equal(t, "| manufacturers | country |", answer)
}

func TestNewAdapters(t *testing.T) {
	t.Run("no keys registers nothing", func(t *testing.T) {
		adapters, err := NewAdapters(context.Background(), config.SourcesConfig{}, nil)
		require.NoError(t, err)
		assert.Empty(t, adapters)
	})

	t.Run("one adapter per keyed provider", func(t *testing.T) {
		cfg := config.SourcesConfig{
			OpenAI:    config.ProviderConfig{APIKey: "a", Model: "gpt-4o"},
			Groq:      config.ProviderConfig{APIKey: "b", Model: "llama-3.3-70b-versatile"},
			Anthropic: config.ProviderConfig{APIKey: "c", Model: "claude-3-5-sonnet-latest"},
		}
		adapters, err := NewAdapters(context.Background(), cfg, nil)
		require.NoError(t, err)

		var names []string
		for _, a := range adapters {
			names = append(names, a.Name())
		}
		assert.Equal(t, []string{"openai", "groq", "claude"}, names)
	})
}
