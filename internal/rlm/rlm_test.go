package rlm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/iuriikogan/rlm-sandbox/internal/types"
)

type MockClient struct {
	mu        sync.Mutex
	responses []string
	callCount int
	err       error
	seen      [][]types.Message
}

func (m *MockClient) Completion(ctx context.Context, messages []types.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, messages)
	if m.err != nil {
		return "", m.err
	}
	if m.callCount >= len(m.responses) {
		return "FINAL(Mocked Limit Reached)", nil
	}
	resp := m.responses[m.callCount]
	m.callCount++
	return resp, nil
}

func (m *MockClient) GetUsageSummary() types.UsageSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.UsageSummary{TotalCalls: len(m.seen)}
}

func (m *MockClient) ModelName() string {
	return "mock-model"
}

// subModel answers llm_query prompts with a function.
type subModel struct {
	mu    sync.Mutex
	fn    func(prompt string) (string, error)
	calls int
}

func (s *subModel) Completion(ctx context.Context, messages []types.Message) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(messages[len(messages)-1].Content)
}

func (s *subModel) GetUsageSummary() types.UsageSummary { return types.UsageSummary{} }
func (s *subModel) ModelName() string                   { return "mock-sub" }

const applesDoc = "The count is 7 apples and then 12 more."

func block(code string) string {
	return "```repl\n" + code + "\n```"
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.SubModel.Retries = 0
	return opts
}

func TestRLM_Completion(t *testing.T) {
	tests := []struct {
		name          string
		responses     []string
		context       string
		expected      types.Value
		variable      string
		iterations    int
		maxIterations int
	}{
		{
			name: "Extract last integer",
			responses: []string{
				block("const numbers = context.match(/\\d+/g).map(Number);\nprint(numbers);\nanswer = numbers[numbers.length - 1];"),
				"FINAL_VAR(answer)",
			},
			context:       applesDoc,
			expected:      types.Int(12),
			variable:      "answer",
			iterations:    2,
			maxIterations: 5,
		},
		{
			name: "Self reported readiness",
			responses: []string{
				block("result = context.split(' ').length"),
				"  FINAL_VAR(result)\n",
			},
			context:       applesDoc,
			expected:      types.Int(9),
			variable:      "result",
			iterations:    2,
			maxIterations: 5,
		},
		{
			name: "Recovers from invalid invocation",
			responses: []string{
				`repl("answer = 3")`,
				block("answer = 3"),
				"FINAL_VAR(answer)",
			},
			context:       applesDoc,
			expected:      types.Int(3),
			variable:      "answer",
			iterations:    3,
			maxIterations: 5,
		},
		{
			name: "Undefined variable is corrected",
			responses: []string{
				block("x = 1"),
				"FINAL_VAR(total)",
				block("answer = x + 1"),
				"FINAL_VAR(answer)",
			},
			context:       applesDoc,
			expected:      types.Int(2),
			variable:      "answer",
			iterations:    4,
			maxIterations: 5,
		},
		{
			name: "Text answer",
			responses: []string{
				block("answer = context.slice(4, 9)"),
				"FINAL_VAR(answer)",
			},
			context:       applesDoc,
			expected:      types.Text("count"),
			variable:      "answer",
			iterations:    2,
			maxIterations: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := &MockClient{responses: tt.responses}
			engine := NewRLM(mockClient, tt.maxIterations)

			resp, err := engine.Completion(context.Background(), "What is the last number?", tt.context)
			require.NoError(t, err)
			require.NotNil(t, resp.Answer)
			assert.Equal(t, types.StatusDone, resp.Status)
			assert.Equal(t, tt.expected, *resp.Answer)
			assert.Equal(t, tt.variable, resp.AnswerVariable)
			assert.Equal(t, tt.iterations, resp.Iterations)
			assert.Empty(t, resp.FailureCode)
			assert.NotEmpty(t, resp.SessionID)
			assert.Equal(t, "mock-model", resp.RootModel)
		})
	}
}

func TestRLM_LiteralRejectedEvenWhenEqual(t *testing.T) {
	mockClient := &MockClient{responses: []string{
		block("answer = '42'"),
		`FINAL_VAR("42")`,
		"FINAL(42)",
		"FINAL_VAR(answer)",
	}}
	resp, err := NewRLM(mockClient, 5).Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)
	assert.Equal(t, types.Text("42"), *resp.Answer)
	assert.Equal(t, 4, resp.Iterations, "both literal forms cost a retry")

	var corrections int
	for _, turn := range resp.Transcript {
		if turn.Role == types.RoleUser && strings.Contains(turn.Content, "Rejected termination") {
			corrections++
		}
	}
	assert.Equal(t, 2, corrections)
}

func TestRLM_BudgetExceeded(t *testing.T) {
	mockClient := &MockClient{responses: []string{"Thinking...", "Thinking...", "Thinking..."}}
	resp, err := NewRLM(mockClient, 2).Completion(context.Background(), "Loop forever", applesDoc)

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrIterationBudgetExceeded)
	require.NotNil(t, resp)
	assert.Equal(t, types.StatusFailed, resp.Status)
	assert.Equal(t, types.CodeIterationBudgetExceeded, resp.FailureCode)
	assert.Nil(t, resp.Answer)
	assert.Equal(t, 2, resp.Iterations)
	require.Len(t, resp.Transcript, 5)
	assert.Equal(t, types.RoleSystem, resp.Transcript[0].Role)
	assert.Contains(t, resp.Transcript[3].Content, "No ```repl block")
}

func TestRLM_BudgetExhaustedWithAnswerFinalizes(t *testing.T) {
	mockClient := &MockClient{responses: []string{
		block("answer = 7;\nthrow new Error('not done yet');"),
		"FINAL_VAR(answer)",
	}}
	resp, err := NewRLM(mockClient, 1).Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)
	assert.Equal(t, types.Int(7), *resp.Answer)
	assert.Equal(t, 2, resp.Iterations)
}

func TestRLM_DirectiveWithCodeIsIgnored(t *testing.T) {
	mockClient := &MockClient{responses: []string{
		block("answer = 12") + "\nFINAL_VAR(answer)",
		"FINAL_VAR(answer)",
	}}
	resp, err := NewRLM(mockClient, 5).Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)
	assert.Equal(t, types.Int(12), *resp.Answer)
	assert.Equal(t, 2, resp.Iterations, "the same-turn directive did not end the session")

	require.NotNil(t, resp.Transcript[2].Result, "the code still ran")
	assert.Contains(t, resp.Transcript[3].Content, "separate replies")
}

func TestRLM_DirectiveInsideCodeRejectsBlock(t *testing.T) {
	mockClient := &MockClient{responses: []string{
		block("answer = 12\nFINAL_VAR(answer)"),
		block("answer = 12"),
		"FINAL_VAR(answer)",
	}}
	resp, err := NewRLM(mockClient, 5).Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)
	assert.Equal(t, types.Int(12), *resp.Answer)
	assert.Equal(t, 3, resp.Iterations)

	require.Len(t, resp.Transcript, 7)
	assert.NotNil(t, resp.Transcript[2].Code)
	assert.Nil(t, resp.Transcript[2].Result, "nothing was executed")
	assert.NotNil(t, resp.Transcript[4].Result)
}

func TestRLM_CodeRejectedWhileFinalizing(t *testing.T) {
	mockClient := &MockClient{responses: []string{
		block("answer = 1"),
		block("answer = 2"),
		"FINAL_VAR(answer)",
	}}
	resp, err := NewRLM(mockClient, 5).Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)
	assert.Equal(t, types.Int(1), *resp.Answer, "code sent while finalizing never runs")
	assert.Equal(t, types.StatusDone, resp.Status)
}

func TestRLM_FinalRetriesExhausted(t *testing.T) {
	mockClient := &MockClient{responses: []string{block("answer = 1")}}
	opts := testOptions()
	opts.MaxFinalRetries = 3

	resp, err := New(mockClient, mockClient, opts).Completion(context.Background(), "q", applesDoc)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrMalformedTermination)
	assert.Equal(t, types.StatusFailed, resp.Status)
	assert.Nil(t, resp.Answer)
	assert.Equal(t, 1+4, resp.Iterations)
}

func TestRLM_ProtectedContext(t *testing.T) {
	mockClient := &MockClient{responses: []string{
		block("context = 'hacked'"),
		"FINAL_VAR(context)",
		block("answer = context.length"),
		"FINAL_VAR(answer)",
	}}
	resp, err := NewRLM(mockClient, 5).Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)
	assert.Equal(t, types.Int(int64(len(applesDoc))), *resp.Answer)

	first := resp.Transcript[2].Result
	require.NotNil(t, first)
	assert.True(t, first.Failed)
	assert.Equal(t, types.CodeProtectedName, first.ErrorCode)
	assert.Contains(t, resp.Transcript[5].Content, "sandbox helper")
}

func TestRLM_MaxProductiveTurns(t *testing.T) {
	mockClient := &MockClient{responses: []string{
		block("total = 3"),
		"FINAL_VAR(total)",
	}}
	opts := testOptions()
	opts.MaxProductiveTurns = 1

	resp, err := New(mockClient, mockClient, opts).Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)
	assert.Equal(t, types.Int(3), *resp.Answer)
	assert.Contains(t, resp.Transcript[3].Content, "STOP", "the controller moved to finalizing")
}

func TestRLM_SubModel(t *testing.T) {
	driver := &MockClient{responses: []string{
		block("answer = Number(llm_query('last number in: ' + context))"),
		"FINAL_VAR(answer)",
	}}
	sub := &subModel{fn: func(prompt string) (string, error) {
		if !strings.Contains(prompt, applesDoc) {
			return "", errors.New("context not forwarded")
		}
		return "12", nil
	}}

	resp, err := New(driver, sub, testOptions()).Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)
	assert.Equal(t, types.Int(12), *resp.Answer)

	res := resp.Transcript[2].Result
	require.NotNil(t, res)
	require.Len(t, res.SubModelCalls, 1)
	assert.Equal(t, "mock-sub", res.SubModelCalls[0].Model)
	assert.Equal(t, "12", res.SubModelCalls[0].Response)
}

func TestRLM_SubModelFailureIsRecoverable(t *testing.T) {
	driver := &MockClient{responses: []string{
		block("x = llm_query('hello')"),
		block("answer = 5"),
		"FINAL_VAR(answer)",
	}}
	sub := &subModel{fn: func(string) (string, error) { return "", errors.New("503 overloaded") }}

	resp, err := New(driver, sub, testOptions()).Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)
	assert.Equal(t, types.Int(5), *resp.Answer)
	assert.Equal(t, types.CodeSubModelUnavailable, resp.Transcript[2].Result.ErrorCode)
}

func TestRLM_SubModelBudgetEscalates(t *testing.T) {
	call := block("x = llm_query('hello')")
	driver := &MockClient{responses: []string{call, call, call, call}}
	sub := &subModel{fn: func(string) (string, error) { return "", errors.New("503 overloaded") }}
	opts := testOptions()
	opts.SubModel.FailureBudget = 1

	resp, err := New(driver, sub, opts).Completion(context.Background(), "q", applesDoc)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSubModelUnavailable)
	assert.Equal(t, types.StatusFailed, resp.Status)
	assert.Equal(t, 2, resp.Iterations)
	assert.Equal(t, 2, sub.calls)
}

func TestRLM_DrivingModelUnavailable(t *testing.T) {
	mockClient := &MockClient{err: errors.New("quota exceeded")}
	resp, err := NewRLM(mockClient, 3).Completion(context.Background(), "q", applesDoc)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDrivingModelUnavailable)
	assert.Equal(t, types.CodeDrivingModelUnavailable, resp.FailureCode)
}

func TestRLM_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mockClient := &MockClient{responses: []string{block("answer = 1")}}
	resp, err := NewRLM(mockClient, 3).Completion(ctx, "q", applesDoc)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.StatusFailed, resp.Status)
	assert.Equal(t, 0, mockClient.callCount)
}

func TestRLM_DefaultQuery(t *testing.T) {
	mockClient := &MockClient{responses: []string{block("answer = 1"), "FINAL_VAR(answer)"}}
	resp, err := NewRLM(mockClient, 3).Completion(context.Background(), "", applesDoc)
	require.NoError(t, err)
	assert.Equal(t, DefaultQuery, resp.Query)
	assert.Contains(t, resp.Transcript[1].Content, "Please read through the context")
}

func TestRLM_TranscriptAlternates(t *testing.T) {
	mockClient := &MockClient{responses: []string{
		"no code here",
		block("answer = 2"),
		"FINAL_VAR(answer)",
	}}
	_, err := NewRLM(mockClient, 5).Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)

	require.Len(t, mockClient.seen, 3)
	last := mockClient.seen[2]
	assert.Equal(t, types.RoleSystem, last[0].Role)
	for i := 1; i < len(last); i++ {
		want := types.RoleUser
		if i%2 == 0 {
			want = types.RoleAssistant
		}
		assert.Equal(t, want, last[i].Role, "message %d", i)
	}
}

type fakeRecorder struct {
	saved []*types.SessionResult
}

func (f *fakeRecorder) Save(ctx context.Context, res *types.SessionResult) error {
	f.saved = append(f.saved, res)
	return nil
}

func TestRLM_Recorder(t *testing.T) {
	rec := &fakeRecorder{}
	ok := NewRLM(&MockClient{responses: []string{block("answer = 1"), "FINAL_VAR(answer)"}}, 3).WithRecorder(rec)
	_, err := ok.Completion(context.Background(), "q", applesDoc)
	require.NoError(t, err)

	failing := NewRLM(&MockClient{}, 1).WithRecorder(rec)
	_, err = failing.Completion(context.Background(), "q", applesDoc)
	require.Error(t, err)

	require.Len(t, rec.saved, 2)
	assert.Equal(t, types.StatusDone, rec.saved[0].Status)
	assert.Equal(t, types.StatusFailed, rec.saved[1].Status)
}

func TestProperty_SessionsAlwaysTerminate(t *testing.T) {
	replies := []string{
		block("answer = 12"),
		block("x = context.length"),
		block("context = 1"),
		block("while (true) {}"),
		block("throw new Error('x')"),
		"FINAL_VAR(answer)",
		"FINAL_VAR(x)",
		`FINAL_VAR("12")`,
		"FINAL(12)",
		"repl(x)",
		"thinking",
		"```repl\nunclosed",
	}
	rapid.Check(t, func(t *rapid.T) {
		responses := rapid.SliceOfN(rapid.SampledFrom(replies), 0, 12).Draw(t, "responses")
		maxIter := rapid.IntRange(1, 6).Draw(t, "maxIter")

		opts := testOptions()
		opts.MaxIterations = maxIter
		opts.ExecTimeout = 50 * time.Millisecond
		mockClient := &MockClient{responses: responses}

		resp, err := New(mockClient, nil, opts).Completion(context.Background(), "q", applesDoc)
		if resp == nil {
			t.Fatalf("nil result (err %v)", err)
		}
		switch resp.Status {
		case types.StatusDone:
			if err != nil || resp.Answer == nil {
				t.Fatalf("done without answer: %v", err)
			}
			if resp.AnswerVariable != "answer" && resp.AnswerVariable != "x" {
				t.Fatalf("answer from unexpected variable %q", resp.AnswerVariable)
			}
		case types.StatusFailed:
			if err == nil || resp.Answer != nil {
				t.Fatalf("failed session must report an error and no answer")
			}
		default:
			t.Fatalf("non-terminal status %s", resp.Status)
		}
		if limit := maxIter + opts.MaxFinalRetries + 1; resp.Iterations > limit {
			t.Fatalf("%d iterations exceeds %d", resp.Iterations, limit)
		}
	})
}
