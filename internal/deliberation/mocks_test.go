package deliberation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"consejo/internal/defense"
	"consejo/internal/quota"
	"consejo/internal/types"
)

// scriptedRunner plays back per-stage decisions in call order and appends
// them to the defense file the way the real runner does.
type scriptedRunner struct {
	mu      sync.Mutex
	defense *defense.Service
	script  map[types.Stage][]scriptStep
	calls   []types.Stage
	blockCh chan struct{} // when set, Run blocks until the channel closes
	tokens  int
}

type scriptStep struct {
	decision types.DecisionLabel
	reason   string
	err      error
}

func newScriptedRunner(svc *defense.Service) *scriptedRunner {
	return &scriptedRunner{
		defense: svc,
		script:  make(map[types.Stage][]scriptStep),
		tokens:  10,
	}
}

func (r *scriptedRunner) on(stage types.Stage, decision types.DecisionLabel, reason string) {
	r.script[stage] = append(r.script[stage], scriptStep{decision: decision, reason: reason})
}

func (r *scriptedRunner) failOn(stage types.Stage, err error) {
	r.script[stage] = append(r.script[stage], scriptStep{err: err})
}

func (r *scriptedRunner) Run(ctx context.Context, project *types.Project, stage types.Stage, agentID string) (*types.AgentDecision, error) {
	if r.blockCh != nil {
		select {
		case <-r.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, stage)
	steps := r.script[stage]
	if len(steps) == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("scriptedRunner: no step for stage %s", stage)
	}
	step := steps[0]
	r.script[stage] = steps[1:]
	r.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	d := types.AgentDecision{
		Stage:        stage,
		AgentID:      agentID,
		AgentName:    agentID,
		Decision:     step.decision,
		Reasoning:    step.reason,
		PromptTokens: r.tokens,
		RecordedAt:   time.Now().UTC(),
	}
	if err := r.defense.AppendDecision(ctx, project.CompanyID, project.ID, d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *scriptedRunner) stageCalls() []types.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Stage, len(r.calls))
	copy(out, r.calls)
	return out
}

// mockGate admits everything by default and counts calls.
type mockGate struct {
	mu         sync.Mutex
	admissions int
	tokens     int
	rejectWith error
}

func (g *mockGate) CheckAndIncrement(ctx context.Context, companyID string, tokens int) (*quota.Admission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rejectWith != nil {
		return nil, g.rejectWith
	}
	g.admissions++
	return &quota.Admission{Plan: "free", RemainingRequests: 49}, nil
}

func (g *mockGate) RecordTokens(ctx context.Context, companyID string, tokens int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens += tokens
	return nil
}

func (g *mockGate) admitted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admissions
}

func (g *mockGate) recordedTokens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokens
}

// spyNotifier records notifications.
type spyNotifier struct {
	mu   sync.Mutex
	sent []types.NotificationRecord
}

func (n *spyNotifier) Notify(ctx context.Context, companyID string, rec types.NotificationRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, rec)
	return nil
}

func (n *spyNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}
