package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"consejo/internal/deliberation"
	"consejo/internal/retrieval"
	"consejo/internal/tenant"
	"consejo/internal/types"
)

var (
	projectFile string
	noWait      bool

	projectName string
	projectDesc string
	amount      float64
	clientName  string
	serviceType string
	sponsorMail string

	exportOut string

	chunkPublic bool
	chunkSource string
	chunkTitle  string
)

var deliberateCmd = &cobra.Command{
	Use:   "deliberate [project-id]",
	Short: "Submit a project and run the deliberation pipeline",
	Long: `Submits a project for deliberation. The project comes from --file (a JSON
document) or from the flags. Resubmitting a paused project with new details
replaces the snapshot and re-enters the stage that asked for information.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tc, err := callerTenant()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer shutdownApp(a)

		project, err := loadProject(args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := a.orch.Start(ctx, tc, project); err != nil {
			return err
		}
		fmt.Printf("deliberation started: %s\n", project.ID)
		if noWait {
			return nil
		}
		return pollUntilSettled(ctx, a, tc, project.ID)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show the deliberation status of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tc, err := callerTenant()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer shutdownApp(a)

		rec, err := a.orch.GetStatus(cmd.Context(), tc, args[0])
		if err != nil {
			return err
		}
		printStatus(rec)

		snap, err := a.gate.SnapshotToday(cmd.Context(), tc.CompanyID())
		if err == nil {
			fmt.Printf("usage today: %d requests, %d tokens\n", snap.RequestsToday, snap.TokensToday)
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [project-id]",
	Short: "Resume a paused or interrupted deliberation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tc, err := callerTenant()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer shutdownApp(a)

		ctx := cmd.Context()
		if err := a.orch.Resume(ctx, tc, args[0]); err != nil {
			return err
		}
		fmt.Printf("deliberation resumed: %s\n", args[0])
		if noWait {
			return nil
		}
		return pollUntilSettled(ctx, a, tc, args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [project-id]",
	Short: "Cancel a running deliberation at the next stage boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tc, err := callerTenant()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer shutdownApp(a)

		if err := a.orch.Cancel(cmd.Context(), tc, args[0]); err != nil {
			return err
		}
		fmt.Printf("cancellation requested: %s\n", args[0])
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [project-id]",
	Short: "Export a project's defense file with its compliance checklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tc, err := callerTenant()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer shutdownApp(a)

		ctx := cmd.Context()
		if err := tc.Require(tc.CompanyID()); err != nil {
			return err
		}
		data, checklist, err := a.defense.Export(ctx, args[0], tc.CompanyID())
		if err != nil {
			return err
		}

		out := exportOut
		if out == "" {
			out = args[0] + "_defensa.json"
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("write export: %w", err)
		}
		ptr, err := a.artifacts.Put(ctx, tc.CompanyID(), args[0], "export", data)
		if err != nil {
			return err
		}
		if err := a.defense.AddArtifact(ctx, tc.CompanyID(), args[0], ptr); err != nil {
			return err
		}

		fmt.Printf("exported to %s\n", out)
		fmt.Printf("checklist: razón de negocios=%v beneficio económico=%v materialidad=%v trazabilidad=%v audit-ready=%v\n",
			checklist.RazonDeNegocios, checklist.BeneficioEconomico, checklist.Materialidad, checklist.Trazabilidad, checklist.AuditReady())
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [chunk-id] [text]",
	Short: "Ingest an evidence chunk into the retrieval corpus",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tc, err := callerTenant()
		if err != nil && !chunkPublic {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer shutdownApp(a)

		ch := retrieval.Chunk{
			ID:     args[0],
			Public: chunkPublic,
			Title:  chunkTitle,
			Source: chunkSource,
			Text:   args[1],
		}
		if !chunkPublic {
			ch.CompanyID = tc.CompanyID()
		}
		if err := a.corpus.Upsert(cmd.Context(), ch); err != nil {
			return err
		}
		fmt.Printf("chunk ingested: %s\n", args[0])
		return nil
	},
}

var companyCmd = &cobra.Command{
	Use:   "company [company-id] [name] [plan]",
	Short: "Register or update a company in the directory (admin)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !asAdmin {
			return fmt.Errorf("company registration requires --admin")
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer shutdownApp(a)

		if err := a.directory.Upsert(cmd.Context(), args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("company registered: %s (%s)\n", args[0], args[2])
		return nil
	},
}

func init() {
	deliberateCmd.Flags().StringVar(&projectFile, "file", "", "JSON file with the project document")
	deliberateCmd.Flags().StringVar(&projectName, "name", "", "project name")
	deliberateCmd.Flags().StringVar(&projectDesc, "description", "", "project description")
	deliberateCmd.Flags().Float64Var(&amount, "amount", 0, "contract amount in MXN")
	deliberateCmd.Flags().StringVar(&clientName, "client", "", "client name")
	deliberateCmd.Flags().StringVar(&serviceType, "service-type", "", "type of contracted service")
	deliberateCmd.Flags().StringVar(&sponsorMail, "sponsor-email", "", "sponsor notification address")
	deliberateCmd.Flags().BoolVar(&noWait, "no-wait", false, "return immediately without polling")
	resumeCmd.Flags().BoolVar(&noWait, "no-wait", false, "return immediately without polling")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default <project>_defensa.json)")
	ingestCmd.Flags().BoolVar(&chunkPublic, "public", false, "visible to every tenant (regulatory material)")
	ingestCmd.Flags().StringVar(&chunkSource, "source", "manual", "source descriptor (CFF, LISR, expediente, ...)")
	ingestCmd.Flags().StringVar(&chunkTitle, "title", "", "chunk title")
}

func loadProject(args []string) (*types.Project, error) {
	project := &types.Project{CompanyID: empresa, CreatedBy: userID, Version: 1}
	if projectFile != "" {
		data, err := os.ReadFile(projectFile)
		if err != nil {
			return nil, fmt.Errorf("read project file: %w", err)
		}
		if err := json.Unmarshal(data, project); err != nil {
			return nil, fmt.Errorf("parse project file: %w", err)
		}
		if project.CompanyID == "" {
			project.CompanyID = empresa
		}
	} else {
		project.Name = projectName
		project.Description = projectDesc
		project.Amount = amount
		project.ClientName = clientName
		project.ServiceType = serviceType
		project.SponsorEmail = sponsorMail
	}
	if len(args) == 1 {
		project.ID = args[0]
	}
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if project.Version == 0 {
		project.Version = 1
	}
	if project.SubmittedAt.IsZero() {
		project.SubmittedAt = time.Now().UTC()
	}
	return project, nil
}

// pollUntilSettled blocks until the deliberation leaves in_progress, printing
// progress transitions, and cancels cleanly on SIGINT.
func pollUntilSettled(ctx context.Context, a *app, tc tenant.Context, projectID string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	lastMessage := ""
	for {
		select {
		case <-sigCh:
			fmt.Println("\ninterrupted; deliberation keeps its persisted state")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st, err := a.states.Get(ctx, projectID, tc.CompanyID())
			if err != nil {
				return err
			}
			if rec, ok := a.board.Get(projectID, tc.CompanyID()); ok && rec.Message != lastMessage {
				lastMessage = rec.Message
				fmt.Printf("[%3d%%] %s %s\n", rec.ProgressPercent, rec.Stage, rec.Message)
			}
			if st.Status != deliberation.StatusInProgress {
				printOutcome(st)
				return nil
			}
		}
	}
}

func printOutcome(st *deliberation.State) {
	switch st.Status {
	case deliberation.StatusCompleted:
		fmt.Printf("deliberation completed: %s\n", st.CurrentStage)
	case deliberation.StatusPaused:
		fmt.Printf("deliberation paused at %s (awaiting supplemental information)\n", st.CurrentStage)
	case deliberation.StatusFailed:
		fmt.Printf("deliberation failed at %s: %s\n", st.FailedStage, st.LastError)
	}
}

func printStatus(rec deliberation.StatusRecord) {
	fmt.Printf("project:  %s\n", rec.ProjectID)
	fmt.Printf("status:   %s\n", rec.Status)
	fmt.Printf("stage:    %s\n", rec.Stage)
	fmt.Printf("progress: %d%%\n", rec.ProgressPercent)
	for agent, state := range rec.PerAgent {
		fmt.Printf("  %s -> %s\n", agent, state)
	}
	if rec.Error != "" {
		fmt.Printf("error:    %s\n", rec.Error)
	}
}

func shutdownApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.close(ctx)
}
