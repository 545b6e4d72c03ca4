package defense

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consejo/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(filepath.Join(t.TempDir(), "defense_files"))
	require.NoError(t, err)
	return svc
}

func decision(stage types.Stage, label types.DecisionLabel, reasoning string) types.AgentDecision {
	return types.AgentDecision{
		Stage:     stage,
		AgentID:   "A3_FISCAL",
		AgentName: "Fiscalista",
		Decision:  label,
		Reasoning: reasoning,
	}
}

func TestRecordProject_CreatesFileWithSnapshot(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := &types.Project{
		ID:          "p1",
		CompanyID:   "acme",
		Name:        "Consultoría logística",
		Description: "Optimización de rutas de distribución",
		Amount:      250000,
		Version:     1,
	}
	require.NoError(t, svc.RecordProject(ctx, p))

	f, err := svc.Get(ctx, "p1", "acme")
	require.NoError(t, err)
	require.NotNil(t, f.Project)
	assert.Equal(t, "Consultoría logística", f.Project.Name)
	assert.Equal(t, "acme", f.CompanyID)

	// Later caller mutations must not leak into the snapshot.
	p.Name = "changed"
	f, err = svc.Get(ctx, "p1", "acme")
	require.NoError(t, err)
	assert.Equal(t, "Consultoría logística", f.Project.Name)
}

func TestAppendDecision_AppendOnlyOrdering(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.GetOrCreate(ctx, "p1", "acme")
	require.NoError(t, err)

	require.NoError(t, svc.AppendDecision(ctx, "acme", "p1",
		decision(types.StageStrategy, types.DecisionApprove, "razón de negocios clara")))
	require.NoError(t, svc.AppendDecision(ctx, "acme", "p1",
		decision(types.StageFiscal, types.DecisionRequestInfo, "falta detalle")))
	require.NoError(t, svc.AppendDecision(ctx, "acme", "p1",
		decision(types.StageFiscal, types.DecisionApprove, "beneficio económico acreditado")))

	f, err := svc.Get(ctx, "p1", "acme")
	require.NoError(t, err)
	require.Len(t, f.Decisions, 3)

	// Earlier entries are a strict prefix of later state.
	assert.Equal(t, types.StageStrategy, f.Decisions[0].Stage)
	assert.Equal(t, types.StageFiscal, f.Decisions[1].Stage)
	assert.Equal(t, types.StageFiscal, f.Decisions[2].Stage)

	// Per-stage version is monotonic.
	assert.Equal(t, 1, f.Decisions[0].Version)
	assert.Equal(t, 1, f.Decisions[1].Version)
	assert.Equal(t, 2, f.Decisions[2].Version)
}

func TestAppendDecision_MissingFileFails(t *testing.T) {
	svc := newTestService(t)
	err := svc.AppendDecision(context.Background(), "acme", "ghost",
		decision(types.StageStrategy, types.DecisionApprove, "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_TenantMismatchIsNotFound(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.GetOrCreate(ctx, "p1", "acme")
	require.NoError(t, err)

	_, err = svc.Get(ctx, "p1", "rival")
	assert.ErrorIs(t, err, ErrNotFound)

	// Same error shape as a genuinely absent project.
	_, err = svc.Get(ctx, "nope", "rival")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetFinal_AtMostOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.GetOrCreate(ctx, "p1", "acme")
	require.NoError(t, err)

	require.NoError(t, svc.SetFinal(ctx, "acme", "p1", types.DecisionApprove, "aprobado por consejo"))

	err = svc.SetFinal(ctx, "acme", "p1", types.DecisionReject, "intento tardío")
	assert.ErrorIs(t, err, ErrFinalAlreadySet)

	f, err := svc.Get(ctx, "p1", "acme")
	require.NoError(t, err)
	assert.Equal(t, types.DecisionApprove, f.FinalDecision)
	assert.Equal(t, "aprobado por consejo", f.FinalRationale)
}

func TestChecklist_DerivedNeverStored(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.GetOrCreate(ctx, "p1", "acme")
	require.NoError(t, err)

	require.NoError(t, svc.AppendDecision(ctx, "acme", "p1",
		decision(types.StageStrategy, types.DecisionApprove, "existe razón de negocios y beneficio económico")))

	f, err := svc.Get(ctx, "p1", "acme")
	require.NoError(t, err)
	cl := DeriveChecklist(f)
	assert.True(t, cl.RazonDeNegocios)
	assert.True(t, cl.BeneficioEconomico)
	assert.False(t, cl.Trazabilidad, "one decision is not yet traceable")
	assert.False(t, cl.AuditReady())

	require.NoError(t, svc.AppendDecision(ctx, "acme", "p1",
		decision(types.StageFiscal, types.DecisionApprove, "materialidad acreditada con contratos")))

	f, err = svc.Get(ctx, "p1", "acme")
	require.NoError(t, err)
	cl = DeriveChecklist(f)
	assert.True(t, cl.Trazabilidad)
	assert.True(t, cl.Materialidad)
	assert.True(t, cl.AuditReady())

	// The stored document never carries the checklist.
	raw, err := os.ReadFile(filepath.Join(svc.root, "acme", "p1.json"))
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	_, present := doc["checklist"]
	assert.False(t, present)
}

func TestChecklist_AccentInsensitive(t *testing.T) {
	f := &File{
		Decisions: []types.AgentDecision{
			decision(types.StageStrategy, types.DecisionApprove, "RAZON DE NEGOCIOS sin acentos"),
			decision(types.StageFiscal, types.DecisionApprove, "beneficio económico"),
		},
	}
	cl := DeriveChecklist(f)
	assert.True(t, cl.RazonDeNegocios)
	assert.True(t, cl.BeneficioEconomico)
}

func TestChecklist_MaterialidadFromNotification(t *testing.T) {
	f := &File{
		Notifications: []types.NotificationRecord{{Recipient: "cfo@acme.mx", Channel: "email"}},
	}
	assert.True(t, DeriveChecklist(f).Materialidad)
}

func TestExport_RoundTrips(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.GetOrCreate(ctx, "p1", "acme")
	require.NoError(t, err)
	require.NoError(t, svc.AppendRetrieval(ctx, "acme", "p1", "A3_FISCAL", "deducibilidad servicios",
		[]types.RetrievalResult{{ChunkID: "cff-art-5a", Text: "…", Source: "CFF", Score: 0.91}}))

	data, cl, err := svc.Export(ctx, "p1", "acme")
	require.NoError(t, err)
	assert.False(t, cl.AuditReady())

	var f File
	require.NoError(t, json.Unmarshal(data, &f))
	require.Len(t, f.Retrievals, 1)
	assert.Equal(t, "cff-art-5a", f.Retrievals[0].Results[0].ChunkID)
}

func TestReadAll_CompanyScoped(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2"} {
		_, err := svc.GetOrCreate(ctx, id, "acme")
		require.NoError(t, err)
	}
	_, err := svc.GetOrCreate(ctx, "p9", "rival")
	require.NoError(t, err)

	files, err := svc.ReadAll(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	files, err = svc.ReadAll(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestAudit_TrailGrows(t *testing.T) {
	svc := newTestService(t)
	fixed := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return fixed })
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "p1", "acme")
	require.NoError(t, err)
	require.NoError(t, svc.AppendNotification(ctx, "acme", "p1",
		types.NotificationRecord{Recipient: "cfo@acme.mx", Subject: "aprobado", Channel: "email"}))

	f, err := svc.Get(ctx, "p1", "acme")
	require.NoError(t, err)
	require.Len(t, f.VersionEntries, 2)
	assert.Equal(t, 1, f.VersionEntries[0].Seq)
	assert.Equal(t, "created", f.VersionEntries[0].Action)
	assert.Equal(t, "notification_appended", f.VersionEntries[1].Action)
	assert.Equal(t, fixed, f.UpdatedAt)
	require.Len(t, f.Notifications, 1)
	assert.Equal(t, fixed, f.Notifications[0].SentAt)
}

func TestSanitize_RejectsTraversal(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Get(context.Background(), "../p1", "acme")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
