package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/flow"
	"github.com/chainflow-ai/chainflow/internal/llm"
	"github.com/chainflow-ai/chainflow/internal/variable"
)

// fastRetry keeps retry-path tests out of real backoff sleeps.
func fastRetry(attempts int) engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	}
}

type stubClient struct {
	chat func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

func (s *stubClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return s.chat(ctx, req)
}

func stubDialer(client llm.Client) Dialer {
	return func(provider string, cfg llm.Config) (llm.Client, error) {
		return client, nil
	}
}

func chainContext(chainData map[string]interface{}, providerData map[string]interface{}) (*flow.Node, engine.Context) {
	nodes := []flow.Node{
		{ID: "prov-1", Kind: flow.KindModelProvider, Data: providerData},
		{ID: "chain-abcdef", Kind: flow.KindLLMChain, Data: chainData},
	}
	ec := engine.NewStandaloneContext(nodes, nil, variable.NewStore())
	n := nodes[1]
	return &n, ec
}

func TestLLMChainExecute(t *testing.T) {
	providerData := map[string]interface{}{
		"provider": "noop",
		"model":    "echo-1",
		"groupId":  0,
	}
	chainData := map[string]interface{}{
		"modelGroup": 0,
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "say hi to {{name}}"},
		},
	}

	t.Run("publishes response as a global variable", func(t *testing.T) {
		node, ec := chainContext(chainData, providerData)
		ec.Variables().Upsert("name", "Ada", "", "")

		client := &stubClient{chat: func(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
			require.Len(t, req.Messages, 1)
			assert.Equal(t, "say hi to Ada", req.Messages[0].Content)
			return &llm.ChatResponse{Content: "Hi Ada!", PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, nil
		}}
		chain := NewLLMChain(LLMChainConfig{Dial: stubDialer(client), Retry: fastRetry(1)})

		require.NoError(t, chain.Execute(context.Background(), node, ec))

		results := ec.GetResults()
		require.Contains(t, results, node.ID)
		assert.True(t, results[node.ID].Success)
		require.NotNil(t, results[node.ID].Stats)
		assert.Equal(t, 5, results[node.ID].Stats.TotalTokens)

		value, ok := ec.Variables().Resolve("llm_output_abcdef")
		require.True(t, ok)
		assert.Equal(t, "Hi Ada!", value)
	})

	t.Run("retries transient errors then succeeds", func(t *testing.T) {
		node, ec := chainContext(chainData, providerData)

		var calls int32
		client := &stubClient{chat: func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
			if atomic.AddInt32(&calls, 1) <= 2 {
				return nil, errors.New("503 service unavailable")
			}
			return &llm.ChatResponse{Content: "ok"}, nil
		}}
		chain := NewLLMChain(LLMChainConfig{Dial: stubDialer(client), Retry: fastRetry(5)})

		require.NoError(t, chain.Execute(context.Background(), node, ec))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("permanent errors fail without retrying", func(t *testing.T) {
		node, ec := chainContext(chainData, providerData)

		var calls int32
		client := &stubClient{chat: func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("401 unauthorized")
		}}
		chain := NewLLMChain(LLMChainConfig{Dial: stubDialer(client), Retry: fastRetry(5)})

		err := chain.Execute(context.Background(), node, ec)
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

		results := ec.GetResults()
		require.Contains(t, results, node.ID)
		assert.False(t, results[node.ID].Success)
	})

	t.Run("missing provider group fails", func(t *testing.T) {
		node, ec := chainContext(map[string]interface{}{
			"modelGroup": 7,
			"messages": []interface{}{
				map[string]interface{}{"role": "user", "content": "hi"},
			},
		}, providerData)

		err := NewLLMChain(LLMChainConfig{Retry: fastRetry(1)}).Execute(context.Background(), node, ec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "group 7")
	})

	t.Run("extracts inline thinking", func(t *testing.T) {
		node, ec := chainContext(chainData, providerData)

		client := &stubClient{chat: func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
			return &llm.ChatResponse{Content: "<thinking>weighing options</thinking>The answer is 4."}, nil
		}}
		chain := NewLLMChain(LLMChainConfig{Dial: stubDialer(client), Retry: fastRetry(1)})

		require.NoError(t, chain.Execute(context.Background(), node, ec))

		output, ok := ec.GetResults()[node.ID].Output.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "The answer is 4.", output["response"])
		assert.Equal(t, "weighing options", output["thinking"])
	})
}

func TestBuildMessagesMergesConsecutiveUserTurns(t *testing.T) {
	chainData := map[string]interface{}{
		"modelGroup": 0,
		"messages": []interface{}{
			map[string]interface{}{"role": "system", "content": "be brief"},
			map[string]interface{}{"role": "user", "content": "part one"},
			map[string]interface{}{"role": "user", "content": "part two"},
			map[string]interface{}{"role": "assistant", "content": "noted"},
			map[string]interface{}{"role": "user", "content": "part three"},
		},
	}
	node, ec := chainContext(chainData, map[string]interface{}{"provider": "noop", "model": "m", "groupId": 0})

	chain := NewLLMChain(LLMChainConfig{Retry: fastRetry(1)})
	messages, err := chain.buildMessages(node, ec)
	require.NoError(t, err)

	require.Len(t, messages, 4)
	assert.Equal(t, llm.RoleSystem, messages[0].Role)
	assert.Equal(t, "part one"+UserMergeSeparator+"part two", messages[1].Content)
	assert.Equal(t, llm.RoleAssistant, messages[2].Role)
	assert.Equal(t, "part three", messages[3].Content)
}

func TestBuildParamsHonorsEnabledFlags(t *testing.T) {
	data := map[string]interface{}{
		"temperature":        0.3,
		"temperatureEnabled": true,
		"topP":               0.9,
		"topPEnabled":        false,
		"maxTokens":          512,
		"maxTokensEnabled":   true,
		"stopSequences":      []interface{}{"END"},
	}

	p := buildParams(data)
	require.NotNil(t, p.Temperature)
	assert.Equal(t, 0.3, *p.Temperature)
	assert.Nil(t, p.TopP)
	require.NotNil(t, p.MaxTokens)
	assert.Equal(t, 512, *p.MaxTokens)
	assert.Nil(t, p.Stop, "stop sequences need their enabled flag")
}

func TestOutputVariableName(t *testing.T) {
	tests := []struct {
		name  string
		label string
		id    string
		want  string
	}{
		{"explicit label used verbatim", "summary", "node-123456", "summary"},
		{"generic default label synthesized", "Basic LLM Chain", "node-123456", "Basic LLM Chain_123456"},
		{"localhost label synthesized", "localhost", "node-123456", "localhost_123456"},
		{"llm chain prefix synthesized", "LLM Chain 3", "node-123456", "LLM Chain 3_123456"},
		{"empty label falls back", "", "node-123456", "llm_output_123456"},
		{"short id kept whole", "", "ab", "llm_output_ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &flow.Node{ID: tt.id, Label: tt.label}
			assert.Equal(t, tt.want, outputVariableName(node))
		})
	}
}

func TestExtractThinking(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantResponse string
		wantThinking string
	}{
		{
			name:         "no markers",
			content:      "plain answer",
			wantResponse: "plain answer",
		},
		{
			name:         "reasoning tag",
			content:      "<reasoning>step by step</reasoning>42",
			wantResponse: "42",
			wantThinking: "step by step",
		},
		{
			name:         "think tag mid-content",
			content:      "Sure. <think>the user wants brevity</think>Done.",
			wantResponse: "Sure. Done.",
			wantThinking: "the user wants brevity",
		},
		{
			name:         "separator with reasoning head",
			content:      "Let me work through this first.\n---\nThe total is 10.",
			wantResponse: "The total is 10.",
			wantThinking: "Let me work through this first.",
		},
		{
			name:         "separator without reasoning head stays intact",
			content:      "Summary\n---\nDetails below.",
			wantResponse: "Summary\n---\nDetails below.",
		},
		{
			name:         "thinking prefix",
			content:      "thinking: weigh the options\n\nGo with option B.",
			wantResponse: "Go with option B.",
			wantThinking: "weigh the options",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response, thinking := ExtractThinking(tt.content)
			assert.Equal(t, tt.wantResponse, response)
			assert.Equal(t, tt.wantThinking, thinking)
		})
	}
}

func TestModelProvider(t *testing.T) {
	t.Run("valid config passes through", func(t *testing.T) {
		node := flow.Node{ID: "p1", Kind: flow.KindModelProvider, Data: map[string]interface{}{
			"provider": "ollama",
			"model":    "llama3",
			"groupId":  0,
		}}
		ec := engine.NewStandaloneContext([]flow.Node{node}, nil, nil)

		require.NoError(t, NewModelProvider().Execute(context.Background(), &node, ec))

		output, ok := ec.GetResults()["p1"].Output.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "ollama", output["provider"])
		assert.Equal(t, "llama3", output["model"])
	})

	t.Run("missing provider fails", func(t *testing.T) {
		node := flow.Node{ID: "p1", Kind: flow.KindModelProvider, Data: map[string]interface{}{"model": "llama3"}}
		ec := engine.NewStandaloneContext([]flow.Node{node}, nil, nil)

		err := NewModelProvider().Execute(context.Background(), &node, ec)
		assert.ErrorIs(t, err, ErrNoProvider)
	})

	t.Run("missing model fails", func(t *testing.T) {
		node := flow.Node{ID: "p1", Kind: flow.KindModelProvider, Data: map[string]interface{}{"provider": "ollama"}}
		ec := engine.NewStandaloneContext([]flow.Node{node}, nil, nil)

		err := NewModelProvider().Execute(context.Background(), &node, ec)
		assert.ErrorIs(t, err, ErrNoModel)
	})
}

func senderNode(config, mapping map[string]interface{}) flow.Node {
	return flow.Node{ID: "sender-1", Kind: flow.KindOutputSender, Data: map[string]interface{}{
		"config":  config,
		"mapping": mapping,
	}}
}

func TestOutputSenderDisabled(t *testing.T) {
	node := senderNode(map[string]interface{}{"autoSend": false}, nil)
	ec := engine.NewStandaloneContext([]flow.Node{node}, nil, nil)

	sender := NewOutputSender(OutputSenderConfig{Retry: fastRetry(1)})
	require.NoError(t, sender.Execute(context.Background(), &node, ec))

	output, ok := ec.GetResults()["sender-1"].Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "disabled", output["mode"])
}

func TestOutputSenderBatchMode(t *testing.T) {
	dir := t.TempDir()

	node := senderNode(nil, map[string]interface{}{
		"reports": map[string]interface{}{
			"Adapted Report":          "adapted_report",
			"Professional Report":     "professional_report",
			"Aggregate Score Profile": "aggregate_score_profile",
		},
	})
	ec := engine.NewStandaloneContext([]flow.Node{node}, nil, nil)
	vars := ec.Variables()
	vars.Upsert("batch_id", "b1", "", "")
	vars.Upsert("output_dir", dir, "", "")
	vars.Upsert("adapted_report", "# A", "", "")
	vars.Upsert("professional_report", "# P", "", "")
	vars.Upsert("aggregate_score_profile", "# S", "", "")

	sender := NewOutputSender(OutputSenderConfig{Retry: fastRetry(1)})
	require.NoError(t, sender.Execute(context.Background(), &node, ec))

	output, ok := ec.GetResults()["sender-1"].Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "batch", output["mode"])
	assert.Len(t, output["savedFiles"], 3)

	for filename, want := range map[string]string{
		"adapted.md":      "# A",
		"professional.md": "# P",
		"scores.md":       "# S",
	} {
		content, err := os.ReadFile(filepath.Join(dir, filename))
		require.NoError(t, err)
		assert.Equal(t, want, string(content))
	}
}

func TestOutputSenderHTTPMode(t *testing.T) {
	var got struct {
		method  string
		path    string
		secret  string
		payload map[string]interface{}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.secret = r.Header.Get("x-backend-secret")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got.payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	node := senderNode(
		map[string]interface{}{
			"includeReports": true,
			"customFields": map[string]interface{}{
				"score": "final_score",
			},
		},
		map[string]interface{}{
			"jobIdVariable":  "job_id",
			"statusVariable": "job_status",
			"reports": map[string]interface{}{
				"Adapted Report": "adapted_report",
			},
		},
	)
	ec := engine.NewStandaloneContext([]flow.Node{node}, nil, nil)
	vars := ec.Variables()
	vars.Upsert("job_id", "job-42", "", "")
	vars.Upsert("job_status", "done", "", "")
	vars.Upsert("session_id", "sess-7", "", "")
	vars.Upsert("adapted_report", "# A", "", "")
	vars.Upsert("final_score", "93", "", "")

	sender := NewOutputSender(OutputSenderConfig{
		BaseURL: srv.URL,
		Secret:  "shh",
		Retry:   fastRetry(1),
	})
	require.NoError(t, sender.Execute(context.Background(), &node, ec))

	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "/api/external/jobs/job-42", got.path)
	assert.Equal(t, "shh", got.secret)
	assert.Equal(t, "job-42", got.payload["jobId"])
	assert.Equal(t, "done", got.payload["status"])
	assert.Equal(t, "sess-7", got.payload["sessionId"])
	assert.Equal(t, "93", got.payload["score"])
	reports, ok := got.payload["reports"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "# A", reports["Adapted Report"])
	assert.NotEmpty(t, got.payload["completedAt"])
}

func TestOutputSenderHTTPRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	node := senderNode(nil, nil)
	ec := engine.NewStandaloneContext([]flow.Node{node}, nil, nil)
	ec.Variables().Upsert("job_id", "job-1", "", "")

	sender := NewOutputSender(OutputSenderConfig{
		BaseURL: srv.URL,
		Retry:   fastRetry(5),
	})
	require.NoError(t, sender.Execute(context.Background(), &node, ec))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
