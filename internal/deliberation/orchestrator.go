package deliberation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"consejo/internal/defense"
	"consejo/internal/logging"
	"consejo/internal/quota"
	"consejo/internal/tenant"
	"consejo/internal/types"
)

var (
	// ErrAlreadyRunning is returned when Start hits a project whose
	// deliberation is currently executing.
	ErrAlreadyRunning = errors.New("deliberation already in progress")
	// ErrNotResumable is returned when Resume hits a completed deliberation.
	ErrNotResumable = errors.New("deliberation is not resumable")
	// ErrNotRunning is returned when Cancel hits a project with no live task.
	ErrNotRunning = errors.New("deliberation is not running")
)

// StageRunner executes one agent for one stage. Satisfied by agents.Runner.
type StageRunner interface {
	Run(ctx context.Context, project *types.Project, stage types.Stage, agentID string) (*types.AgentDecision, error)
}

// AdmissionGate admits deliberations against daily quotas. Satisfied by
// quota.Gate.
type AdmissionGate interface {
	CheckAndIncrement(ctx context.Context, companyID string, tokens int) (*quota.Admission, error)
	RecordTokens(ctx context.Context, companyID string, tokens int) error
}

// Config bounds the orchestrator.
type Config struct {
	StageTimeout     time.Duration
	MaxDeliberations int64
}

// DefaultOrchestratorConfig returns the standard bounds.
func DefaultOrchestratorConfig() Config {
	return Config{
		StageTimeout:     120 * time.Second,
		MaxDeliberations: 8,
	}
}

// Orchestrator owns the deliberation lifecycle. One supervised goroutine
// per running deliberation; stage transitions persist state before they
// take effect so a crash resumes at the stage that was executing.
type Orchestrator struct {
	graph    *StageGraph
	runner   StageRunner
	states   StateStore
	defense  *defense.Service
	board    *StatusBoard
	gate     AdmissionGate
	notifier types.Notifier
	cfg      Config

	sem *semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator wires the orchestrator. notifier may be nil.
func NewOrchestrator(graph *StageGraph, runner StageRunner, states StateStore, defenseSvc *defense.Service, board *StatusBoard, gate AdmissionGate, notifier types.Notifier, cfg Config) *Orchestrator {
	if cfg.StageTimeout == 0 {
		cfg = DefaultOrchestratorConfig()
	}
	return &Orchestrator{
		graph:    graph,
		runner:   runner,
		states:   states,
		defense:  defenseSvc,
		board:    board,
		gate:     gate,
		notifier: notifier,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxDeliberations),
		running:  make(map[string]context.CancelFunc),
	}
}

// Start admits and launches a deliberation for a validated project,
// assigning a project id when the caller left it empty. For a paused
// project it replaces the snapshot (supplemental information) and
// re-enters the stage that asked for it. Start returns once the task is
// launched; progress is polled via GetStatus.
func (o *Orchestrator) Start(ctx context.Context, tc tenant.Context, project *types.Project) error {
	if err := project.Validate(); err != nil {
		return err
	}
	if err := tc.Require(project.CompanyID); err != nil {
		return err
	}
	project.CompanyID = strings.ToLower(strings.TrimSpace(project.CompanyID))
	if project.ID == "" {
		project.ID = uuid.NewString()
	}

	st, err := o.states.Get(ctx, project.ID, project.CompanyID)
	switch {
	case err == nil:
		switch st.Status {
		case StatusInProgress:
			if o.isRunning(project.ID) {
				return ErrAlreadyRunning
			}
			// Stale in_progress from a dead process: treat as resumable.
		case StatusCompleted:
			return fmt.Errorf("project %s: %w", project.ID, ErrNotResumable)
		}
	case errors.Is(err, ErrNotFound):
		st = nil
	default:
		return err
	}

	// Quota admission happens before any state is created; a rejected call
	// leaves no trace.
	if _, err := o.gate.CheckAndIncrement(ctx, project.CompanyID, 0); err != nil {
		return err
	}

	snapshot := *project
	if project.SubmittedAt.IsZero() {
		snapshot.SubmittedAt = time.Now().UTC()
	}

	if st == nil {
		st = &State{
			ProjectID:       project.ID,
			CompanyID:       project.CompanyID,
			CurrentStage:    o.graph.First(),
			StageResults:    make(map[types.Stage]StageResult),
			Status:          StatusInProgress,
			ProjectSnapshot: &snapshot,
		}
	} else {
		// Paused resubmission: replace the snapshot, stay at the current
		// stage so the agent that asked for information re-reviews.
		st.ProjectSnapshot = &snapshot
		st.Status = StatusInProgress
		st.LastError = ""
		st.FailedStage = ""
	}

	if _, err := o.defense.GetOrCreate(ctx, project.ID, project.CompanyID); err != nil {
		return err
	}
	if err := o.defense.RecordProject(ctx, &snapshot); err != nil {
		return err
	}
	if err := o.states.Save(ctx, st); err != nil {
		return err
	}

	o.publish(st, "initialising", "")
	return o.launch(st)
}

// Resume relaunches a paused or crash-orphaned deliberation from its
// persisted stage. Completed and failed deliberations are not resumable;
// a failed one needs a fresh Start, which pays a new admission. Resume
// does not consume quota; the original admission covers the run.
func (o *Orchestrator) Resume(ctx context.Context, tc tenant.Context, projectID string) error {
	if err := tc.Require(tc.CompanyID()); err != nil {
		return err
	}
	st, err := o.states.Get(ctx, projectID, tc.CompanyID())
	if err != nil {
		return err
	}
	if st.Status == StatusCompleted || st.Status == StatusFailed {
		return fmt.Errorf("project %s: %w", projectID, ErrNotResumable)
	}
	if o.isRunning(projectID) {
		return ErrAlreadyRunning
	}

	st.Status = StatusInProgress
	st.LastError = ""
	st.FailedStage = ""
	if err := o.states.Save(ctx, st); err != nil {
		return err
	}
	o.publish(st, "resuming", "")
	return o.launch(st)
}

// Cancel stops a running deliberation at the next stage boundary. The
// deliberation lands in paused and remains resumable.
func (o *Orchestrator) Cancel(ctx context.Context, tc tenant.Context, projectID string) error {
	if err := tc.Require(tc.CompanyID()); err != nil {
		return err
	}
	if _, err := o.states.Get(ctx, projectID, tc.CompanyID()); err != nil {
		return err
	}
	o.mu.Lock()
	cancel, ok := o.running[projectID]
	o.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	cancel()
	return nil
}

// GetStatus returns the pollable status record, falling back to the
// persisted state when the in-memory board has no entry (fresh process).
func (o *Orchestrator) GetStatus(ctx context.Context, tc tenant.Context, projectID string) (StatusRecord, error) {
	if err := tc.Require(tc.CompanyID()); err != nil {
		return StatusRecord{}, err
	}
	if rec, ok := o.board.Get(projectID, tc.CompanyID()); ok {
		return rec, nil
	}
	st, err := o.states.Get(ctx, projectID, tc.CompanyID())
	if err != nil {
		return StatusRecord{}, err
	}
	return o.recordFromState(st, "", ""), nil
}

// GetState returns the persisted deliberation state, tenant scoped.
func (o *Orchestrator) GetState(ctx context.Context, tc tenant.Context, projectID string) (*State, error) {
	if err := tc.Require(tc.CompanyID()); err != nil {
		return nil, err
	}
	return o.states.Get(ctx, projectID, tc.CompanyID())
}

// Shutdown cancels every running deliberation and waits for the tasks to
// reach a stage boundary and exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, cancel := range o.running {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) isRunning(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[projectID]
	return ok
}

// launch starts the supervised task goroutine for a deliberation. The
// check-and-insert is atomic so two concurrent entry points can never both
// drive one project.
func (o *Orchestrator) launch(st *State) error {
	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	if _, exists := o.running[st.ProjectID]; exists {
		o.mu.Unlock()
		cancel()
		return ErrAlreadyRunning
	}
	o.running[st.ProjectID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, st.ProjectID)
			o.mu.Unlock()
			cancel()
		}()
		defer o.recoverPanic(st)

		if err := o.sem.Acquire(runCtx, 1); err != nil {
			o.markPaused(st, "cancelled while queued")
			return
		}
		defer o.sem.Release(1)

		o.runLoop(runCtx, st)
	}()
	return nil
}

// recoverPanic converts a panicking task into a failed deliberation instead
// of a crashed process.
func (o *Orchestrator) recoverPanic(st *State) {
	if r := recover(); r != nil {
		logging.Get(logging.CategoryDeliberation).Errorw("deliberation panicked",
			"project", st.ProjectID, "panic", r)
		st.Status = StatusFailed
		st.LastError = fmt.Sprintf("panic: %v", r)
		st.FailedStage = st.CurrentStage
		_ = o.states.Save(context.Background(), st)
		o.publish(st, "deliberation failed", st.LastError)
	}
}

// runLoop drives stages sequentially until a terminal stage, a pause, a
// failure, or cancellation at a stage boundary.
func (o *Orchestrator) runLoop(ctx context.Context, st *State) {
	log := logging.Get(logging.CategoryDeliberation)

	for !st.CurrentStage.Terminal() {
		// Cancellation lands exactly at the stage boundary.
		if ctx.Err() != nil {
			o.markPaused(st, "cancelled")
			return
		}

		stage := st.CurrentStage
		agentID, err := o.graph.AgentFor(stage)
		if err != nil {
			o.markFailed(st, stage, err)
			return
		}
		o.publish(st, fmt.Sprintf("running %s", stage), "")

		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		decision, err := o.runner.Run(stageCtx, st.ProjectSnapshot, stage, agentID)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				o.markPaused(st, "cancelled")
				return
			}
			o.markFailed(st, stage, err)
			return
		}

		st.StageResults[stage] = StageResult{
			AgentID:    decision.AgentID,
			Decision:   decision.Decision,
			Reasoning:  decision.Reasoning,
			RecordedAt: decision.RecordedAt,
		}
		if tokens := decision.PromptTokens + decision.CompletionTokens; tokens > 0 {
			if err := o.gate.RecordTokens(ctx, st.CompanyID, tokens); err != nil {
				log.Warnw("token accounting failed", "project", st.ProjectID, "error", err)
			}
		}

		next, err := o.graph.Next(stage, decision.Decision)
		if err != nil {
			o.markFailed(st, stage, err)
			return
		}

		if next == stage {
			// request_info: wait for supplemental information, no
			// auto-escalation.
			st.Status = StatusPaused
			if err := o.states.Save(ctx, st); err != nil {
				o.markFailed(st, stage, err)
				return
			}
			o.publish(st, "awaiting supplemental information", "")
			log.Infow("deliberation paused", "project", st.ProjectID, "stage", stage)
			return
		}

		// Persist the transition before acting on it.
		st.CurrentStage = next
		if next.Terminal() {
			st.Status = StatusCompleted
		}
		if err := o.states.Save(ctx, st); err != nil {
			o.markFailed(st, stage, err)
			return
		}

		if next.Terminal() {
			o.finalize(st, decision)
			return
		}
		o.publish(st, fmt.Sprintf("advanced to %s", next), "")
	}
}

// finalize records the terminal decision on the defense file and emits the
// sponsor notification.
func (o *Orchestrator) finalize(st *State, last *types.AgentDecision) {
	ctx := context.Background()
	log := logging.Get(logging.CategoryDeliberation)

	final := types.DecisionApprove
	if st.CurrentStage == types.StageRejected {
		final = types.DecisionReject
	}
	if err := o.defense.SetFinal(ctx, st.CompanyID, st.ProjectID, final, last.Reasoning); err != nil {
		log.Errorw("final decision not recorded", "project", st.ProjectID, "error", err)
	}

	if o.notifier != nil && st.ProjectSnapshot != nil && st.ProjectSnapshot.SponsorEmail != "" {
		rec := types.NotificationRecord{
			Recipient: st.ProjectSnapshot.SponsorEmail,
			Subject:   fmt.Sprintf("Deliberación %s: %s", st.ProjectID, final),
			Body:      last.Reasoning,
			Channel:   "email",
		}
		if err := o.notifier.Notify(ctx, st.CompanyID, rec); err != nil {
			log.Warnw("notification delivery failed", "project", st.ProjectID, "error", err)
		}
		if err := o.defense.AppendNotification(ctx, st.CompanyID, st.ProjectID, rec); err != nil {
			log.Warnw("notification not recorded", "project", st.ProjectID, "error", err)
		}
	}

	o.publish(st, "completed", "")
	log.Infow("deliberation completed", "project", st.ProjectID, "final", final)
}

func (o *Orchestrator) markFailed(st *State, stage types.Stage, cause error) {
	st.Status = StatusFailed
	st.FailedStage = stage
	st.LastError = cause.Error()
	if err := o.states.Save(context.Background(), st); err != nil {
		logging.Get(logging.CategoryDeliberation).Errorw("failed state not persisted",
			"project", st.ProjectID, "error", err)
	}
	o.publish(st, "deliberation failed", cause.Error())
	logging.Get(logging.CategoryDeliberation).Errorw("deliberation failed",
		"project", st.ProjectID, "stage", stage, "error", cause)
}

func (o *Orchestrator) markPaused(st *State, message string) {
	st.Status = StatusPaused
	if err := o.states.Save(context.Background(), st); err != nil {
		logging.Get(logging.CategoryDeliberation).Errorw("paused state not persisted",
			"project", st.ProjectID, "error", err)
	}
	o.publish(st, message, "")
}

func (o *Orchestrator) publish(st *State, message, errMsg string) {
	o.board.Publish(o.recordFromState(st, message, errMsg))
}

func (o *Orchestrator) recordFromState(st *State, message, errMsg string) StatusRecord {
	perAgent := make(map[string]string, len(st.StageResults))
	for stage, res := range st.StageResults {
		perAgent[res.AgentID] = fmt.Sprintf("%s: %s", stage, res.Decision)
	}
	return StatusRecord{
		ProjectID:       st.ProjectID,
		CompanyID:       st.CompanyID,
		Status:          st.Status,
		Stage:           string(st.CurrentStage),
		ProgressPercent: o.graph.ProgressPercent(o.graph.CompletedBefore(st.CurrentStage)),
		PerAgent:        perAgent,
		Message:         message,
		Error:           errMsg,
	}
}
