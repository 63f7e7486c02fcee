// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pipewright/pkg/budget"
	pwerrors "github.com/tombee/pipewright/pkg/errors"
)

func statuses(run *Run) map[string]StageStatus {
	out := make(map[string]StageStatus, len(run.Results))
	for _, r := range run.Results {
		out[r.Stage] = r.Status
	}
	return out
}

func TestNewOrchestrator_RequiresRunner(t *testing.T) {
	_, err := NewOrchestrator(OrchestratorConfig{})
	assert.ErrorContains(t, err, "runner")
}

func TestOrchestrator_LinearSuccess(t *testing.T) {
	var seenUpstream map[string]Payload
	e := newEngine(t, budget.Dollar, Executors{
		"serp": fixed(10*budget.Cent, nil),
		"llm": ExecutorFunc(func(_ context.Context, call Call) (Output, error) {
			seenUpstream = call.Upstream
			return Output{Payload: Payload{Data: []byte("brief")}, Cost: 20 * budget.Cent}, nil
		}),
	})
	tmpl := Template{Name: "seo", Stages: []StageSpec{
		{Name: "serp", Resource: "serp", EstimatedCost: 10 * budget.Cent},
		{Name: "brief", Resource: "llm", EstimatedCost: 30 * budget.Cent, DependsOn: []string{"serp"}},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, map[string]any{"keyword": "go"})
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, "seo", run.Pipeline)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, map[string]any{"keyword": "go"}, run.Params)
	assert.Equal(t, 30*budget.Cent, run.TotalCost)
	require.Len(t, run.Results, 2)
	assert.Equal(t, "serp", run.Results[0].Stage)
	assert.Equal(t, "brief", run.Results[1].Stage)
	assert.Equal(t, "out:serp", string(seenUpstream["serp"].Data))
	assert.False(t, run.CompletedAt.Before(run.StartedAt))
}

func TestOrchestrator_BudgetAbort(t *testing.T) {
	var cCalls atomic.Int32
	e := newEngine(t, 50*budget.Cent, Executors{
		"a": fixed(30*budget.Cent, nil),
		"b": fixed(20*budget.Cent, nil),
		"c": fixed(10*budget.Cent, &cCalls),
	})
	tmpl := Template{Name: "abc", Stages: []StageSpec{
		{Name: "A", Resource: "a", EstimatedCost: 30 * budget.Cent},
		{Name: "B", Resource: "b", EstimatedCost: 20 * budget.Cent, DependsOn: []string{"A"}},
		{Name: "C", Resource: "c", EstimatedCost: 10 * budget.Cent, DependsOn: []string{"B"}},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)

	assert.Equal(t, RunAbortedBudget, run.Status)
	assert.Equal(t, map[string]StageStatus{
		"A": StageSuccess,
		"B": StageSuccess,
		"C": StageSkippedBudget,
	}, statuses(run))
	assert.Zero(t, cCalls.Load())
	assert.Equal(t, 50*budget.Cent, run.TotalCost)
	assert.Equal(t, 50*budget.Cent, e.ledger.Snapshot().Spent)
}

func TestOrchestrator_BudgetAbortSkipsDependents(t *testing.T) {
	e := newEngine(t, 10*budget.Cent, Executors{"llm": fixed(0, nil)})
	tmpl := Template{Name: "p", Stages: []StageSpec{
		{Name: "big", Resource: "llm", EstimatedCost: 20 * budget.Cent},
		{Name: "after", Resource: "llm", DependsOn: []string{"big"}},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)

	assert.Equal(t, RunAbortedBudget, run.Status)
	assert.Equal(t, StageSkippedBudget, statuses(run)["after"])
}

func TestOrchestrator_OverrunClosesLedger(t *testing.T) {
	var afterCalls atomic.Int32
	e := newEngine(t, 50*budget.Cent, Executors{
		"llm":  fixed(60*budget.Cent, nil),
		"serp": fixed(budget.Cent, &afterCalls),
	})
	tmpl := Template{Name: "overrun", Stages: []StageSpec{
		{Name: "draft", Resource: "llm", EstimatedCost: 10 * budget.Cent},
		{Name: "check", Resource: "serp", EstimatedCost: budget.Cent, DependsOn: []string{"draft"}},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)

	// The metered cost is recorded even though it exceeds the estimate.
	assert.Equal(t, RunAbortedBudget, run.Status)
	assert.Equal(t, map[string]StageStatus{
		"draft": StageSuccess,
		"check": StageSkippedBudget,
	}, statuses(run))
	assert.Zero(t, afterCalls.Load())
	assert.Equal(t, 60*budget.Cent, run.TotalCost)

	snap := e.ledger.Snapshot()
	assert.Equal(t, 60*budget.Cent, snap.Spent)
	assert.True(t, snap.Exhausted)
	_, err = e.ledger.Reserve(0)
	var budgetErr *pwerrors.BudgetExceededError
	assert.ErrorAs(t, err, &budgetErr)
}

func TestOrchestrator_CeilingNeverExceeded(t *testing.T) {
	e := newEngine(t, 55*budget.Cent, Executors{"llm": fixed(10*budget.Cent, nil)})
	var stages []StageSpec
	for i := range 10 {
		stages = append(stages, StageSpec{Name: fmt.Sprintf("s%d", i), Resource: "llm", EstimatedCost: 10 * budget.Cent})
	}

	run, err := e.orch.Run(context.Background(), Template{Name: "fan", Stages: stages, MaxConcurrency: 4}, nil)
	require.NoError(t, err)

	var sum budget.Amount
	succeeded := 0
	for _, r := range run.Results {
		sum += r.Cost
		if r.Status == StageSuccess {
			succeeded++
		}
	}
	assert.Equal(t, RunAbortedBudget, run.Status)
	assert.Equal(t, 5, succeeded)
	assert.LessOrEqual(t, sum, 55*budget.Cent)
	assert.Equal(t, sum, e.ledger.Snapshot().Spent)
	assert.Equal(t, sum, run.TotalCost)
}

func TestOrchestrator_DependencyFailed(t *testing.T) {
	var bCalls atomic.Int32
	e := newEngine(t, budget.Dollar, Executors{
		"bad":  failing(pwerrors.KindPermanent, nil),
		"good": fixed(0, &bCalls),
	})
	tmpl := Template{Name: "p", Stages: []StageSpec{
		{Name: "A", Resource: "bad"},
		{Name: "B", Resource: "good", DependsOn: []string{"A"}},
		{Name: "C", Resource: "good", DependsOn: []string{"B"}},
		{Name: "D", Resource: "good"},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)

	assert.Equal(t, RunPartiallyFailed, run.Status)
	assert.Equal(t, map[string]StageStatus{
		"A": StageFailed,
		"B": StageSkippedDependencyFailed,
		"C": StageSkippedDependencyFailed,
		"D": StageSuccess,
	}, statuses(run))
	// Only D ran.
	assert.Equal(t, int32(1), bCalls.Load())

	b, _ := run.Result("B")
	assert.Zero(t, b.Attempts)
	assert.Contains(t, b.Error, "dependency A finished failed")
}

func TestOrchestrator_AllFailed(t *testing.T) {
	e := newEngine(t, budget.Dollar, Executors{"bad": failing(pwerrors.KindPermanent, nil)})
	tmpl := Template{Name: "p", Stages: []StageSpec{
		{Name: "A", Resource: "bad"},
		{Name: "B", Resource: "bad", DependsOn: []string{"A"}},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
}

func TestOrchestrator_RetriedStage(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, budget.Dollar, Executors{"api": flaky(2, 5*budget.Cent, &calls)})
	tmpl := Template{Name: "p", Stages: []StageSpec{
		{Name: "X", Resource: "api", EstimatedCost: 5 * budget.Cent, MaxRetries: 3},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)

	x, ok := run.Result("X")
	require.True(t, ok)
	assert.Equal(t, StageSuccess, x.Status)
	assert.Equal(t, 3, x.Attempts)
	assert.Equal(t, RunSucceeded, run.Status)
}

func TestOrchestrator_IndependentStagesOverlap(t *testing.T) {
	pStarted := make(chan struct{})
	qStarted := make(chan struct{})
	waitFor := func(mine, other chan struct{}) Executor {
		return ExecutorFunc(func(context.Context, Call) (Output, error) {
			close(mine)
			select {
			case <-other:
				return Output{Payload: Payload{Data: []byte("ok")}}, nil
			case <-time.After(2 * time.Second):
				return Output{}, &pwerrors.ExecutionError{Kind: pwerrors.KindPermanent, Message: "stages did not overlap"}
			}
		})
	}
	e := newEngine(t, budget.Dollar, Executors{
		"p": waitFor(pStarted, qStarted),
		"q": waitFor(qStarted, pStarted),
	})
	tmpl := Template{Name: "pq", Stages: []StageSpec{
		{Name: "P", Resource: "p"},
		{Name: "Q", Resource: "q"},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, map[string]StageStatus{"P": StageSuccess, "Q": StageSuccess}, statuses(run))
}

func TestOrchestrator_ConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	e := newEngine(t, budget.Dollar, Executors{
		"llm": ExecutorFunc(func(context.Context, Call) (Output, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return Output{}, nil
		}),
	})
	var stages []StageSpec
	for i := range 6 {
		stages = append(stages, StageSpec{Name: fmt.Sprintf("s%d", i), Resource: "llm"})
	}

	run, err := e.orch.Run(context.Background(), Template{Name: "fan", Stages: stages, MaxConcurrency: 2}, nil)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, run.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestOrchestrator_RerunServedFromCache(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, budget.Dollar, Executors{"serp": fixed(10*budget.Cent, &calls)})
	tmpl := Template{Name: "p", Stages: []StageSpec{
		{Name: "serp", Resource: "serp", Idempotent: true, EstimatedCost: 10 * budget.Cent,
			Inputs: map[string]any{"query": "pipelines"}},
	}}

	first, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)
	second, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, second.Status)
	assert.Equal(t, StageCached, second.Results[0].Status)
	assert.Zero(t, second.TotalCost)
	assert.Equal(t, first.Results[0].Output, second.Results[0].Output)
	assert.Equal(t, int32(1), calls.Load())
	assert.NotEqual(t, first.ID, second.ID)
}

func TestOrchestrator_ConditionSkip(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, budget.Dollar, Executors{"llm": fixed(0, &calls)})
	tmpl := Template{Name: "p", Stages: []StageSpec{
		{Name: "translate", Resource: "llm", Condition: `params.locale != "en"`},
		{Name: "publish", Resource: "llm", DependsOn: []string{"translate"},
			Condition: `stages.translate == "skipped-condition" || stages.translate == "success"`},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, map[string]any{"locale": "en"})
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, map[string]StageStatus{
		"translate": StageSkippedCondition,
		"publish":   StageSuccess,
	}, statuses(run))
	assert.Equal(t, int32(1), calls.Load())
}

func TestOrchestrator_ConditionError(t *testing.T) {
	e := newEngine(t, budget.Dollar, Executors{"llm": fixed(0, nil)})
	tmpl := Template{Name: "p", Stages: []StageSpec{
		{Name: "a", Resource: "llm", Condition: `params.limit > 10`},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, map[string]any{"limit": "lots"})
	require.NoError(t, err)

	assert.Equal(t, RunFailed, run.Status)
	a, _ := run.Result("a")
	assert.Equal(t, StageFailed, a.Status)
	assert.Equal(t, ErrorKindPermanent, a.ErrorKind)
}

func TestOrchestrator_Cancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	e := newEngine(t, budget.Dollar, Executors{
		"slow": ExecutorFunc(func(context.Context, Call) (Output, error) {
			close(started)
			<-release
			return Output{Cost: budget.Cent}, nil
		}),
		"llm": fixed(0, nil),
	})
	tmpl := Template{Name: "p", Stages: []StageSpec{
		{Name: "A", Resource: "slow", EstimatedCost: budget.Cent},
		{Name: "B", Resource: "llm", DependsOn: []string{"A"}},
	}}

	h, err := e.orch.Start(context.Background(), tmpl, nil)
	require.NoError(t, err)
	assert.Len(t, e.orch.Active(), 1)

	<-started
	h.Cancel()
	close(release)
	run := h.Wait()

	assert.Equal(t, RunCancelled, run.Status)
	// The in-flight call was allowed to finish and was billed.
	assert.Equal(t, map[string]StageStatus{"A": StageSuccess, "B": StageSkippedCancelled}, statuses(run))
	assert.Equal(t, budget.Cent, run.TotalCost)
	assert.Empty(t, e.orch.Active())
}

func TestOrchestrator_ParentContextCancelled(t *testing.T) {
	e := newEngine(t, budget.Dollar, Executors{"llm": fixed(0, nil)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := e.orch.Run(ctx, Template{Name: "p", Stages: []StageSpec{{Name: "a", Resource: "llm"}}}, nil)
	require.NoError(t, err)

	assert.Equal(t, RunCancelled, run.Status)
	assert.Equal(t, StageSkippedCancelled, run.Results[0].Status)
}

func TestOrchestrator_Deadline(t *testing.T) {
	e := newEngine(t, budget.Dollar, Executors{
		"slow": ExecutorFunc(func(context.Context, Call) (Output, error) {
			time.Sleep(60 * time.Millisecond)
			return Output{}, nil
		}),
	})
	tmpl := Template{Name: "p", Deadline: 20 * time.Millisecond, Stages: []StageSpec{
		{Name: "A", Resource: "slow"},
		{Name: "B", Resource: "slow", DependsOn: []string{"A"}},
	}}

	run, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)

	assert.Equal(t, RunAbortedDeadline, run.Status)
	assert.Equal(t, map[string]StageStatus{"A": StageSuccess, "B": StageSkippedDeadline}, statuses(run))
}

func TestOrchestrator_InvalidTemplate(t *testing.T) {
	e := newEngine(t, budget.Dollar, Executors{"llm": fixed(0, nil)})

	_, err := e.orch.Start(context.Background(), Template{Name: "p", Stages: []StageSpec{
		{Name: "a", Resource: "llm", DependsOn: []string{"b"}},
		{Name: "b", Resource: "llm", DependsOn: []string{"a"}},
	}}, nil)
	var specErr *pwerrors.InvalidPipelineSpecError
	require.True(t, errors.As(err, &specErr))

	_, err = e.orch.Start(context.Background(), Template{Name: "p", Stages: []StageSpec{
		{Name: "a", Resource: "unknown"},
	}}, nil)
	require.True(t, errors.As(err, &specErr))
	assert.Contains(t, specErr.Problems[0], "no executor for resource unknown")

	assert.Empty(t, e.sink.savedRuns())
}

func TestOrchestrator_SinkRecordsRunAndStages(t *testing.T) {
	e := newEngine(t, budget.Dollar, Executors{"llm": fixed(budget.Cent, nil)})
	tmpl := Template{Name: "p", Stages: []StageSpec{
		{Name: "a", Resource: "llm", EstimatedCost: budget.Cent},
		{Name: "b", Resource: "llm", EstimatedCost: budget.Cent, DependsOn: []string{"a"}},
	}}

	var mu sync.Mutex
	var types []EventType
	e.events.OnAll(func(_ context.Context, ev *Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Type == EventRunStarted || ev.Type == EventRunCompleted || ev.Type == EventStageCompleted {
			types = append(types, ev.Type)
		}
	})

	run, err := e.orch.Run(context.Background(), tmpl, nil)
	require.NoError(t, err)

	runs := e.sink.savedRuns()
	require.Len(t, runs, 2)
	assert.Equal(t, RunRunning, runs[0].Status)
	assert.Equal(t, RunSucceeded, runs[1].Status)
	assert.Equal(t, run.ID, runs[1].ID)

	results := e.sink.stageResults(run.ID)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Stage)
	assert.Equal(t, "b", results[1].Stage)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventRunStarted, EventStageCompleted, EventStageCompleted, EventRunCompleted}, types)
}

func TestOrchestrator_SinkErrorsDoNotFailRun(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	e := newEngine(t, budget.Dollar, Executors{"llm": fixed(0, nil)}, withSink(sink))

	var persistenceErrors atomic.Int32
	e.events.On(EventPersistenceError, func(context.Context, *Event) {
		persistenceErrors.Add(1)
	})

	run, err := e.orch.Run(context.Background(), Template{Name: "p", Stages: []StageSpec{{Name: "a", Resource: "llm"}}}, nil)
	require.NoError(t, err)

	assert.Equal(t, RunSucceeded, run.Status)
	// Two run saves and one stage save.
	assert.Equal(t, int32(3), persistenceErrors.Load())
}

func TestOrchestrator_ConcurrentRunsShareLedger(t *testing.T) {
	e := newEngine(t, 25*budget.Cent, Executors{"llm": fixed(10*budget.Cent, nil)})
	tmpl := Template{Name: "p", Stages: []StageSpec{
		{Name: "a", Resource: "llm", EstimatedCost: 10 * budget.Cent},
	}}

	handles := make([]*Handle, 0, 4)
	for range 4 {
		h, err := e.orch.Start(context.Background(), tmpl, nil)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	e.orch.Wait()

	succeeded := 0
	for _, h := range handles {
		run := h.Wait()
		if run.Status == RunSucceeded {
			succeeded++
		} else {
			assert.Equal(t, RunAbortedBudget, run.Status)
		}
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 20*budget.Cent, e.ledger.Snapshot().Spent)
}
