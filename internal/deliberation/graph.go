// Package deliberation drives a project through the staged review pipeline:
// quota admission, per-stage agent execution, persisted state so a crashed
// run resumes where it stopped, and a pollable status board. Stages within
// one deliberation run strictly sequentially; deliberations run in parallel
// bounded by a semaphore.
package deliberation

import (
	"fmt"
	"math"

	"consejo/internal/types"
)

// StageBinding pairs a stage with the agent that reviews it.
type StageBinding struct {
	Stage   types.Stage
	AgentID string
}

// StageGraph is the static transition table. Approve moves to the next
// stage, reject terminates, request_info stays. The only cycle is the
// request_info self-loop.
type StageGraph struct {
	order []StageBinding
	index map[types.Stage]int
}

// NewStageGraph builds the reference pipeline E1..E4 into E5_APPROVED,
// optionally inserting the adversarial auditor before approval.
func NewStageGraph(withAuditor bool) *StageGraph {
	bindings := []StageBinding{
		{Stage: types.StageStrategy, AgentID: "A1_SPONSOR"},
		{Stage: types.StageFiscal, AgentID: "A3_FISCAL"},
		{Stage: types.StageFinance, AgentID: "A4_FINANZAS"},
		{Stage: types.StageLegal, AgentID: "A2_LEGAL"},
	}
	if withAuditor {
		bindings = append(bindings, StageBinding{Stage: types.StageAuditor, AgentID: "A5_AUDITOR"})
	}
	g, _ := NewCustomStageGraph(bindings)
	return g
}

// NewCustomStageGraph builds a graph from an explicit ordered binding list.
// Used by reduced pipelines and tests.
func NewCustomStageGraph(bindings []StageBinding) (*StageGraph, error) {
	if len(bindings) == 0 {
		return nil, fmt.Errorf("stage graph: at least one stage required")
	}
	index := make(map[types.Stage]int, len(bindings))
	for i, b := range bindings {
		if b.Stage.Terminal() {
			return nil, fmt.Errorf("stage graph: %s is terminal and cannot bind an agent", b.Stage)
		}
		if b.AgentID == "" {
			return nil, fmt.Errorf("stage graph: stage %s has no agent", b.Stage)
		}
		if _, dup := index[b.Stage]; dup {
			return nil, fmt.Errorf("stage graph: duplicate stage %s", b.Stage)
		}
		index[b.Stage] = i
	}
	return &StageGraph{order: bindings, index: index}, nil
}

// First returns the entry stage.
func (g *StageGraph) First() types.Stage {
	return g.order[0].Stage
}

// AgentFor returns the agent bound to a stage.
func (g *StageGraph) AgentFor(stage types.Stage) (string, error) {
	i, ok := g.index[stage]
	if !ok {
		return "", fmt.Errorf("stage graph: unknown stage %s", stage)
	}
	return g.order[i].AgentID, nil
}

// Next applies the transition table.
func (g *StageGraph) Next(stage types.Stage, decision types.DecisionLabel) (types.Stage, error) {
	i, ok := g.index[stage]
	if !ok {
		return "", fmt.Errorf("stage graph: unknown stage %s", stage)
	}
	switch decision {
	case types.DecisionApprove:
		if i == len(g.order)-1 {
			return types.StageApproved, nil
		}
		return g.order[i+1].Stage, nil
	case types.DecisionReject:
		return types.StageRejected, nil
	case types.DecisionRequestInfo:
		return stage, nil
	}
	return "", fmt.Errorf("stage graph: unknown decision %q", decision)
}

// TotalStages is the number of non-terminal stages.
func (g *StageGraph) TotalStages() int {
	return len(g.order)
}

// CompletedBefore counts the stages that precede the given stage, treating
// terminal stages as all-complete.
func (g *StageGraph) CompletedBefore(stage types.Stage) int {
	if stage.Terminal() {
		return len(g.order)
	}
	if i, ok := g.index[stage]; ok {
		return i
	}
	return 0
}

// ProgressPercent converts a completed-stage count into the rounded percent
// published on the status board.
func (g *StageGraph) ProgressPercent(completed int) int {
	if len(g.order) == 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(len(g.order)) * 100))
}

// Contains reports whether the stage is part of this graph.
func (g *StageGraph) Contains(stage types.Stage) bool {
	_, ok := g.index[stage]
	return ok
}
