package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gartstein/avenue/internal/lab/db"
	e "github.com/gartstein/avenue/internal/lab/errors"
	"github.com/gartstein/avenue/internal/lab/events"
	"github.com/gartstein/avenue/internal/lab/models"
	"github.com/gartstein/avenue/internal/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockRepository implements the Repository interface for testing
type MockRepository struct {
	load            func(context.Context, models.Kind, models.Key) (models.Entity, error)
	list            func(context.Context, models.Kind, bool) ([]models.Entity, error)
	saveActor       func(context.Context, *models.Actor) error
	withTransaction func(context.Context, func(db.Store) error) error
}

func (m *MockRepository) Load(ctx context.Context, kind models.Kind, key models.Key) (models.Entity, error) {
	return m.load(ctx, kind, key)
}

func (m *MockRepository) List(ctx context.Context, kind models.Kind, activeOnly bool) ([]models.Entity, error) {
	return m.list(ctx, kind, activeOnly)
}

func (m *MockRepository) SaveActor(ctx context.Context, actor *models.Actor) error {
	return m.saveActor(ctx, actor)
}

func (m *MockRepository) WithTransaction(ctx context.Context, fn func(db.Store) error) error {
	return m.withTransaction(ctx, fn)
}

type producedEvent struct {
	Type  events.EventType
	Kind  models.Kind
	Key   models.Key
	Actor models.ActorID
}

// MockProducer is a test double for the Kafka producer.
type MockProducer struct {
	mu     sync.Mutex
	events []producedEvent
}

func (m *MockProducer) Produce(eventType events.EventType, entity models.Entity, stamp models.Stamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, producedEvent{eventType, entity.Kind(), entity.PrimaryKey(), stamp.Actor})
}

func (m *MockProducer) Events() []producedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]producedEvent, len(m.events))
	copy(out, m.events)
	return out
}

type observation struct {
	op      string
	kind    models.Kind
	outcome string
}

type captureMetrics struct {
	mu  sync.Mutex
	obs []observation
}

func (c *captureMetrics) Observe(op string, kind models.Kind, err error, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.obs = append(c.obs, observation{op, kind, e.Class(err)})
}

func (c *captureMetrics) has(o observation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, got := range c.obs {
		if got == o {
			return true
		}
	}
	return false
}

var baseTime = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

func stampBy(actor models.ActorID) models.Stamp {
	return models.Stamp{Actor: actor, At: baseTime}
}

type fixture struct {
	ctx      context.Context
	svc      *LabService
	producer *MockProducer
	metrics  *captureMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo, err := db.NewRepository(ctx, &db.Config{Driver: db.DriverSQLite, Path: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	f := &fixture{ctx: ctx, producer: &MockProducer{}, metrics: &captureMetrics{}}
	f.svc = NewLabService(repo, f.producer, f.metrics, zaptest.NewLogger(t))
	require.NoError(t, f.svc.RegisterActor(ctx, models.Actor{ID: "u1", Username: "jdoe"}))
	require.NoError(t, f.svc.RegisterActor(ctx, models.Actor{ID: "u2", Username: "asmith"}))
	return f
}

func (f *fixture) create(t *testing.T, entity models.Entity) models.Entity {
	t.Helper()
	created, err := f.svc.Create(f.ctx, entity, stampBy("u1"))
	require.NoError(t, err, "create %s", entity.Kind())
	return created
}

// graph holds the keys of a complete reference chain down to a result.
type graph struct {
	unit, sample, control, batch, result, note models.Key
}

// createLab creates branch B01, section S01 and equipment E01.
func (f *fixture) createLab(t *testing.T) {
	t.Helper()
	f.create(t, &models.Branch{Code: "B01", Description: "Central", BranchManager: "u1"})
	f.create(t, &models.Section{Code: "S01", Description: "Chemistry", BranchCode: "B01"})
	f.create(t, &models.Equipment{Code: "E01", Description: "Cobas c311", LocationCode: "B01", SectionCode: "S01", Serial: "SN-1"})
}

func (f *fixture) createGraph(t *testing.T) graph {
	t.Helper()
	f.createLab(t)
	f.create(t, &models.MeasuringMethod{Code: "PHOT", Description: "Photometry"})
	unit := f.create(t, &models.Unit{Code: "mg/dL", Description: "milligrams per decilitre"})
	sample := f.create(t, &models.Sample{Description: "Serum"})
	f.create(t, &models.Analysis{
		Code: "GLU", Description: "Glucose", SectionCode: "S01", MeasuringMethodCode: "PHOT",
		EquipmentCode: "E01", UnitID: unit.(*models.Unit).ID, SampleID: sample.(*models.Sample).ID,
	})
	control := f.create(t, &models.ControlLevel{Supplier: "Bio-Rad", Description: "Level 1", Reference: "C-310"})
	batch := f.create(t, &models.Batch{
		ControlLevelID: control.(*models.ControlLevel).ID, Description: "L1", Lot: "45781", Target: "95",
		ExpirationDate: time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC), Lower: 90, Upper: 100, StandardDeviation: 2,
		EquipmentCode: "E01",
	})
	result := f.create(t, &models.Result{AnalysisCode: "GLU", EquipmentCode: "E01", BatchID: batch.(*models.Batch).ID, Value: 96})
	note := f.create(t, &models.Note{Action: "CAL", Description: "Recalibrated"})
	return graph{
		unit:    unit.PrimaryKey(),
		sample:  sample.PrimaryKey(),
		control: control.PrimaryKey(),
		batch:   batch.PrimaryKey(),
		result:  result.PrimaryKey(),
		note:    note.PrimaryKey(),
	}
}

func TestRetireInsteadOfDelete(t *testing.T) {
	f := newFixture(t)
	f.createLab(t)

	err := f.svc.Delete(f.ctx, models.KindBranch, "B01", stampBy("u1"))
	require.ErrorIs(t, err, e.ErrReferentialIntegrity)
	assert.ErrorContains(t, err, "section")
	assert.ErrorContains(t, err, "equipment")

	retireStamp := models.Stamp{Actor: "u2", At: baseTime.Add(time.Hour)}
	retired, err := f.svc.Retire(f.ctx, models.KindBranch, "B01", retireStamp)
	require.NoError(t, err)
	assert.False(t, retired.(*models.Branch).Active)

	got, err := f.svc.Resolve(f.ctx, models.KindBranch, "B01")
	require.NoError(t, err)
	branch := got.(*models.Branch)
	assert.False(t, branch.Active)
	assert.Equal(t, models.ActorID("u2"), branch.ModifiedBy)
	assert.True(t, branch.LastModifiedAt.Equal(retireStamp.At))
	assert.Equal(t, models.ActorID("u1"), branch.CreatedBy)
	assert.True(t, branch.CreatedAt.Equal(baseTime))

	section, err := f.svc.Resolve(f.ctx, models.KindSection, "S01")
	require.NoError(t, err)
	assert.Equal(t, models.Code("B01"), section.(*models.Section).BranchCode)

	equipment, err := f.svc.Resolve(f.ctx, models.KindEquipment, "E01")
	require.NoError(t, err)
	assert.True(t, equipment.(*models.Equipment).InUse)
	assert.Equal(t, "Cobas c311 at Central for Chemistry lab section", equipment.String())
}

func TestRestrictDeleteAcrossGraph(t *testing.T) {
	f := newFixture(t)
	g := f.createGraph(t)
	s := stampBy("u1")

	referenced := []struct {
		kind models.Kind
		key  models.Key
	}{
		{models.KindActor, "u1"},
		{models.KindBranch, "B01"},
		{models.KindSection, "S01"},
		{models.KindMeasuringMethod, "PHOT"},
		{models.KindUnit, g.unit},
		{models.KindEquipment, "E01"},
		{models.KindSample, g.sample},
		{models.KindAnalysis, "GLU"},
		{models.KindControlLevel, g.control},
		{models.KindBatch, g.batch},
	}
	for _, r := range referenced {
		err := f.svc.Delete(f.ctx, r.kind, r.key, s)
		assert.ErrorIs(t, err, e.ErrReferentialIntegrity, "%s %s", r.kind, r.key)

		_, err = f.svc.Resolve(f.ctx, r.kind, r.key)
		assert.NoError(t, err, "%s %s must survive a refused delete", r.kind, r.key)
	}

	// Removing dependents first lets every delete through.
	order := []struct {
		kind models.Kind
		key  models.Key
	}{
		{models.KindResult, g.result},
		{models.KindNote, g.note},
		{models.KindBatch, g.batch},
		{models.KindControlLevel, g.control},
		{models.KindAnalysis, "GLU"},
		{models.KindSample, g.sample},
		{models.KindEquipment, "E01"},
		{models.KindUnit, g.unit},
		{models.KindMeasuringMethod, "PHOT"},
		{models.KindSection, "S01"},
		{models.KindBranch, "B01"},
	}
	for _, r := range order {
		require.NoError(t, f.svc.Delete(f.ctx, r.kind, r.key, s), "%s %s", r.kind, r.key)
		_, err := f.svc.Resolve(f.ctx, r.kind, r.key)
		assert.ErrorIs(t, err, e.ErrNotFound)
	}

	// u1 is no longer referenced; u2 deletes it.
	require.NoError(t, f.svc.Delete(f.ctx, models.KindActor, "u1", stampBy("u2")))
}

func TestCreateDuplicateCode(t *testing.T) {
	f := newFixture(t)
	f.createGraph(t)

	duplicates := []models.Entity{
		&models.Branch{Code: "B01", Description: "Other", BranchManager: "u1"},
		&models.Section{Code: "S01", Description: "Other", BranchCode: "B01"},
		&models.MeasuringMethod{Code: "PHOT", Description: "Other"},
		&models.Equipment{Code: "E01", Description: "Other", LocationCode: "B01", SectionCode: "S01", Serial: "SN-2"},
		&models.Analysis{Code: "GLU", Description: "Other", SectionCode: "S01", MeasuringMethodCode: "PHOT", EquipmentCode: "E01", UnitID: 1, SampleID: 1},
	}
	for _, entity := range duplicates {
		_, err := f.svc.Create(f.ctx, entity, stampBy("u1"))
		assert.ErrorIs(t, err, e.ErrUniqueness, "%s", entity.Kind())
		assert.ErrorIs(t, err, e.ErrValidation, "%s", entity.Kind())
	}

	distinct := []models.Entity{
		&models.Branch{Code: "B02", Description: "North", BranchManager: "u2"},
		&models.Section{Code: "S02", Description: "Haematology", BranchCode: "B02"},
		&models.MeasuringMethod{Code: "ISE", Description: "Ion selective electrode"},
		&models.Equipment{Code: "E02", Description: "Sysmex XN", LocationCode: "B02", SectionCode: "S02", Serial: "SN-2"},
		&models.Analysis{Code: "NA", Description: "Sodium", SectionCode: "S01", MeasuringMethodCode: "ISE", EquipmentCode: "E01", UnitID: 1, SampleID: 1},
	}
	for _, entity := range distinct {
		_, err := f.svc.Create(f.ctx, entity, stampBy("u1"))
		assert.NoError(t, err, "%s", entity.Kind())
	}
}

func TestUnitCodesMayRepeat(t *testing.T) {
	f := newFixture(t)

	first := f.create(t, &models.Unit{Code: "U/L", Description: "units per litre"})
	second := f.create(t, &models.Unit{Code: "U/L", Description: "international units per litre"})
	assert.NotEqual(t, first.PrimaryKey(), second.PrimaryKey())
}

func TestCreatedFieldsImmutable(t *testing.T) {
	f := newFixture(t)
	g := f.createGraph(t)
	later := models.Stamp{Actor: "u2", At: baseTime.Add(2 * time.Hour)}

	attempts := []models.Fields{
		{"created_by": "u2"},
		{"created_at": baseTime.Add(time.Hour)},
		{"description": "Renamed", "created_by": "u2"},
		{"last_modified_at": baseTime.Add(time.Hour)},
		{"modified_by": "u2"},
	}
	for _, fields := range attempts {
		_, err := f.svc.Update(f.ctx, models.KindBranch, "B01", fields, later)
		assert.ErrorIs(t, err, e.ErrImmutableField, "%v", fields)
		assert.ErrorIs(t, err, e.ErrValidation, "%v", fields)
	}

	_, err := f.svc.Update(f.ctx, models.KindResult, g.result, models.Fields{"created_at": baseTime.Add(time.Hour)}, later)
	assert.ErrorIs(t, err, e.ErrImmutableField)
	_, err = f.svc.Update(f.ctx, models.KindNote, g.note, models.Fields{"created_by": "u2"}, later)
	assert.ErrorIs(t, err, e.ErrImmutableField)

	updated, err := f.svc.Update(f.ctx, models.KindBranch, "B01", models.Fields{"description": "Central Lab"}, later)
	require.NoError(t, err)
	assert.Equal(t, "Central Lab", updated.String())

	got, err := f.svc.Resolve(f.ctx, models.KindBranch, "B01")
	require.NoError(t, err)
	branch := got.(*models.Branch)
	assert.Equal(t, "Central Lab", branch.Description)
	assert.Equal(t, models.ActorID("u1"), branch.CreatedBy)
	assert.True(t, branch.CreatedAt.Equal(baseTime))
	assert.Equal(t, models.ActorID("u2"), branch.ModifiedBy)
	assert.True(t, branch.LastModifiedAt.Equal(later.At))
}

func TestUpdateNaturalKeyRejected(t *testing.T) {
	f := newFixture(t)
	f.createLab(t)

	_, err := f.svc.Update(f.ctx, models.KindSection, "S01", models.Fields{"code": "S09"}, stampBy("u1"))
	assert.ErrorIs(t, err, e.ErrImmutableField)

	_, err = f.svc.Resolve(f.ctx, models.KindSection, "S01")
	assert.NoError(t, err)
}

func TestUpdateIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.createGraph(t)
	s := stampBy("u2")

	tests := []struct {
		name   string
		kind   models.Kind
		key    models.Key
		fields models.Fields
	}{
		{"empty description", models.KindEquipment, "E01", models.Fields{"serial": "SN-9", "description": ""}},
		{"unknown column", models.KindEquipment, "E01", models.Fields{"serial": "SN-9", "colour": "grey"}},
		{"broken reference", models.KindEquipment, "E01", models.Fields{"serial": "SN-9", "section_code": "S99"}},
		{"bad analytical goal", models.KindAnalysis, "GLU", models.Fields{"description": "Glucose (hexokinase)", "analytical_goal": "XYZ"}},
		{"unassignable value", models.KindEquipment, "E01", models.Fields{"in_use": []string{"yes"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Update(f.ctx, tt.kind, tt.key, tt.fields, s)
			assert.ErrorIs(t, err, e.ErrValidation)
		})
	}

	equipment, err := f.svc.Resolve(f.ctx, models.KindEquipment, "E01")
	require.NoError(t, err)
	assert.Equal(t, "SN-1", equipment.(*models.Equipment).Serial)
	assert.Equal(t, models.Code("S01"), equipment.(*models.Equipment).SectionCode)

	analysis, err := f.svc.Resolve(f.ctx, models.KindAnalysis, "GLU")
	require.NoError(t, err)
	assert.Equal(t, "Glucose", analysis.String())
}

func TestUpdateReassignsReference(t *testing.T) {
	f := newFixture(t)
	f.createLab(t)
	f.create(t, &models.Section{Code: "S02", Description: "Haematology", BranchCode: "B01"})

	updated, err := f.svc.Update(f.ctx, models.KindEquipment, "E01", models.Fields{"section_code": "S02"}, stampBy("u2"))
	require.NoError(t, err)
	assert.Equal(t, models.Code("S02"), updated.(*models.Equipment).SectionCode)

	err = f.svc.Delete(f.ctx, models.KindSection, "S01", stampBy("u1"))
	assert.NoError(t, err, "S01 lost its only dependent")
}

func TestRetireIgnoresDependents(t *testing.T) {
	f := newFixture(t)
	g := f.createGraph(t)
	s := stampBy("u2")

	retirable := []struct {
		kind models.Kind
		key  models.Key
	}{
		{models.KindBranch, "B01"},
		{models.KindMeasuringMethod, "PHOT"},
		{models.KindEquipment, "E01"},
		{models.KindAnalysis, "GLU"},
		{models.KindControlLevel, g.control},
		{models.KindBatch, g.batch},
		{models.KindResult, g.result},
	}
	for _, r := range retirable {
		_, err := f.svc.Retire(f.ctx, r.kind, r.key, s)
		require.NoError(t, err, "%s %s", r.kind, r.key)
		// Retiring twice is harmless.
		_, err = f.svc.Retire(f.ctx, r.kind, r.key, s)
		require.NoError(t, err, "%s %s", r.kind, r.key)

		_, err = f.svc.Resolve(f.ctx, r.kind, r.key)
		assert.NoError(t, err, "%s %s must not be removed", r.kind, r.key)

		active, err := f.svc.List(f.ctx, r.kind, true)
		require.NoError(t, err)
		assert.Empty(t, active, "%s", r.kind)
	}

	equipment, err := f.svc.Resolve(f.ctx, models.KindEquipment, "E01")
	require.NoError(t, err)
	assert.False(t, equipment.(*models.Equipment).InUse)

	result, err := f.svc.Resolve(f.ctx, models.KindResult, g.result)
	require.NoError(t, err)
	assert.Equal(t, models.ActorID("u2"), result.(*models.Result).ModifiedBy)
	assert.Equal(t, models.ActorID("u1"), result.(*models.Result).CreatedBy)
}

func TestRetireKindWithoutFlag(t *testing.T) {
	f := newFixture(t)
	f.createLab(t)

	for _, kind := range []models.Kind{models.KindSection, models.KindUnit, models.KindSample, models.KindNote, models.KindSupplier, models.KindActor} {
		_, err := f.svc.Retire(f.ctx, kind, "S01", stampBy("u1"))
		assert.ErrorIs(t, err, e.ErrValidation, "%s", kind)
	}
}

func TestAnalyticalGoal(t *testing.T) {
	f := newFixture(t)
	g := f.createGraph(t)
	unitID := f.mustID(t, models.KindUnit, g.unit)
	sampleID := f.mustID(t, models.KindSample, g.sample)

	analysis := func(code models.Code, goal *models.AnalyticalGoal) *models.Analysis {
		return &models.Analysis{
			Code: code, Description: "Cholesterol", SectionCode: "S01", MeasuringMethodCode: "PHOT",
			EquipmentCode: "E01", UnitID: unitID, SampleID: sampleID, AnalyticalGoal: goal,
		}
	}

	created, err := f.svc.Create(f.ctx, analysis("CHOL", utils.Ptr(models.GoalImprecision)), stampBy("u1"))
	require.NoError(t, err)
	assert.Equal(t, models.GoalImprecision, *created.(*models.Analysis).AnalyticalGoal)

	_, err = f.svc.Create(f.ctx, analysis("TRIG", utils.Ptr(models.AnalyticalGoal("XYZ"))), stampBy("u1"))
	assert.ErrorIs(t, err, e.ErrValidation)
	_, err = f.svc.Resolve(f.ctx, models.KindAnalysis, "TRIG")
	assert.ErrorIs(t, err, e.ErrNotFound)

	_, err = f.svc.Create(f.ctx, analysis("HDL", nil), stampBy("u1"))
	assert.NoError(t, err, "the goal is optional")

	got, err := f.svc.Resolve(f.ctx, models.KindAnalysis, "CHOL")
	require.NoError(t, err)
	require.NotNil(t, got.(*models.Analysis).AnalyticalGoal)
	assert.Equal(t, models.GoalImprecision, *got.(*models.Analysis).AnalyticalGoal)
}

func (f *fixture) mustID(t *testing.T, kind models.Kind, key models.Key) uint {
	t.Helper()
	entity, err := f.svc.Resolve(f.ctx, kind, key)
	require.NoError(t, err)
	switch v := entity.(type) {
	case *models.Unit:
		return v.ID
	case *models.Sample:
		return v.ID
	}
	t.Fatalf("no surrogate id for %s", kind)
	return 0
}

func TestResultWithMissingBatch(t *testing.T) {
	f := newFixture(t)
	f.createGraph(t)

	_, err := f.svc.Create(f.ctx, &models.Result{AnalysisCode: "GLU", EquipmentCode: "E01", BatchID: 999, Value: 96}, stampBy("u1"))
	require.ErrorIs(t, err, e.ErrValidation)
	assert.ErrorContains(t, err, "batch")

	results, err := f.svc.List(f.ctx, models.KindResult, false)
	require.NoError(t, err)
	assert.Len(t, results, 1, "only the result created by the fixture exists")
}

func TestCreateRequiresReferences(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(f.ctx, &models.Section{Code: "S01", Description: "Chemistry"}, stampBy("u1"))
	assert.ErrorIs(t, err, e.ErrValidation)

	_, err = f.svc.Create(f.ctx, &models.Branch{Code: "B01", Description: "Central", BranchManager: "ghost"}, stampBy("u1"))
	assert.ErrorIs(t, err, e.ErrValidation)
}

func TestWritesRequireRegisteredActor(t *testing.T) {
	f := newFixture(t)
	f.createLab(t)

	_, err := f.svc.Create(f.ctx, &models.MeasuringMethod{Code: "ISE", Description: "Ion selective electrode"}, stampBy("ghost"))
	assert.ErrorIs(t, err, e.ErrValidation)
	_, err = f.svc.Update(f.ctx, models.KindBranch, "B01", models.Fields{"description": "x"}, stampBy("ghost"))
	assert.ErrorIs(t, err, e.ErrValidation)
	_, err = f.svc.Retire(f.ctx, models.KindBranch, "B01", stampBy("ghost"))
	assert.ErrorIs(t, err, e.ErrValidation)
	err = f.svc.Delete(f.ctx, models.KindEquipment, "E01", stampBy("ghost"))
	assert.ErrorIs(t, err, e.ErrValidation)

	_, err = f.svc.Create(f.ctx, &models.MeasuringMethod{Code: "ISE", Description: "Ion selective electrode"}, models.Stamp{Actor: "u1"})
	assert.ErrorIs(t, err, e.ErrValidation, "a stamp needs a time")
	_, err = f.svc.Create(f.ctx, &models.MeasuringMethod{Code: "ISE", Description: "Ion selective electrode"}, models.Stamp{At: baseTime})
	assert.ErrorIs(t, err, e.ErrValidation, "a stamp needs an actor")
}

func TestActorsAreRegisteredNotCreated(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(f.ctx, &models.Actor{ID: "u3"}, stampBy("u1"))
	assert.ErrorIs(t, err, e.ErrValidation)
	_, err = f.svc.Update(f.ctx, models.KindActor, "u1", models.Fields{"username": "x"}, stampBy("u1"))
	assert.ErrorIs(t, err, e.ErrValidation)

	assert.ErrorIs(t, f.svc.RegisterActor(f.ctx, models.Actor{Username: "nobody"}), e.ErrValidation)
	require.NoError(t, f.svc.RegisterActor(f.ctx, models.Actor{ID: "u1", Username: "john.doe"}))

	actor, err := f.svc.Resolve(f.ctx, models.KindActor, "u1")
	require.NoError(t, err)
	assert.Equal(t, "john.doe", actor.String())
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	s := stampBy("u1")

	_, err := f.svc.Resolve(f.ctx, models.KindBranch, "B99")
	assert.ErrorIs(t, err, e.ErrNotFound)
	_, err = f.svc.Update(f.ctx, models.KindBranch, "B99", models.Fields{"description": "x"}, s)
	assert.ErrorIs(t, err, e.ErrNotFound)
	_, err = f.svc.Retire(f.ctx, models.KindBranch, "B99", s)
	assert.ErrorIs(t, err, e.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(f.ctx, models.KindBranch, "B99", s), e.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(f.ctx, models.KindSample, "not-a-number", s), e.ErrNotFound)

	_, err = f.svc.Resolve(f.ctx, models.Kind("patient"), "1")
	assert.ErrorIs(t, err, e.ErrValidation)
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t)
	f.create(t, &models.MeasuringMethod{Code: "PHOT", Description: "Photometry"})
	_, err := f.svc.Update(f.ctx, models.KindMeasuringMethod, "PHOT", models.Fields{"description": "Photometric"}, stampBy("u2"))
	require.NoError(t, err)
	_, err = f.svc.Retire(f.ctx, models.KindMeasuringMethod, "PHOT", stampBy("u2"))
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(f.ctx, models.KindMeasuringMethod, "PHOT", stampBy("u1")))

	// Failed writes publish nothing.
	_, err = f.svc.Retire(f.ctx, models.KindMeasuringMethod, "PHOT", stampBy("u1"))
	require.ErrorIs(t, err, e.ErrNotFound)

	assert.Equal(t, []producedEvent{
		{events.EntityCreated, models.KindMeasuringMethod, "PHOT", "u1"},
		{events.EntityUpdated, models.KindMeasuringMethod, "PHOT", "u2"},
		{events.EntityRetired, models.KindMeasuringMethod, "PHOT", "u2"},
		{events.EntityDeleted, models.KindMeasuringMethod, "PHOT", "u1"},
	}, f.producer.Events())
}

func TestEventsFollowWriteOrder(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 50; i++ {
		code := models.Code(fmt.Sprintf("M%02d", i))
		f.create(t, &models.MeasuringMethod{Code: code, Description: "Method"})
		retired, err := f.svc.Retire(f.ctx, models.KindMeasuringMethod, code.Key(), stampBy("u2"))
		require.NoError(t, err)
		// The returned record belongs to the caller once the call is done.
		retired.(*models.MeasuringMethod).Description = "changed"
	}

	seen := map[models.Key][]events.EventType{}
	for _, ev := range f.producer.Events() {
		seen[ev.Key] = append(seen[ev.Key], ev.Type)
	}
	require.Len(t, seen, 50)
	for key, types := range seen {
		assert.Equal(t, []events.EventType{events.EntityCreated, events.EntityRetired}, types, key)
	}
}

func TestMetricsObserved(t *testing.T) {
	f := newFixture(t)
	f.createLab(t)
	_ = f.svc.Delete(f.ctx, models.KindBranch, "B01", stampBy("u1"))
	_, _ = f.svc.Resolve(f.ctx, models.KindBranch, "B99")

	assert.True(t, f.metrics.has(observation{"create", models.KindBranch, "ok"}))
	assert.True(t, f.metrics.has(observation{"register", models.KindActor, "ok"}))
	assert.True(t, f.metrics.has(observation{"delete", models.KindBranch, "referential_integrity"}))
	assert.True(t, f.metrics.has(observation{"resolve", models.KindBranch, "not_found"}))
}

func TestRepositoryFailureIsWrapped(t *testing.T) {
	dbErr := errors.New("database down")
	repo := &MockRepository{
		withTransaction: func(context.Context, func(db.Store) error) error { return dbErr },
		load: func(context.Context, models.Kind, models.Key) (models.Entity, error) {
			return nil, e.ErrNotFound
		},
		list: func(context.Context, models.Kind, bool) ([]models.Entity, error) { return nil, dbErr },
		saveActor: func(context.Context, *models.Actor) error { return dbErr },
	}
	producer := &MockProducer{}
	metrics := &captureMetrics{}
	svc := NewLabService(repo, producer, metrics, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := svc.Create(ctx, &models.MeasuringMethod{Code: "PHOT", Description: "Photometry"}, stampBy("u1"))
	assert.ErrorIs(t, err, dbErr)
	assert.ErrorContains(t, err, "failed to create record")
	assert.Equal(t, "internal", e.Class(err))

	_, err = svc.Resolve(ctx, models.KindBranch, "B01")
	assert.Equal(t, e.ErrNotFound, err, "taxonomy errors are returned unwrapped")

	_, err = svc.List(ctx, models.KindBranch, false)
	assert.ErrorIs(t, err, dbErr)

	err = svc.RegisterActor(ctx, models.Actor{ID: "u1"})
	assert.ErrorIs(t, err, dbErr)

	assert.True(t, metrics.has(observation{"create", models.KindMeasuringMethod, "internal"}))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, producer.Events())
}

func TestNilMetricsRecorder(t *testing.T) {
	repo := &MockRepository{
		list: func(context.Context, models.Kind, bool) ([]models.Entity, error) { return nil, nil },
	}
	svc := NewLabService(repo, &MockProducer{}, nil, zaptest.NewLogger(t))

	_, err := svc.List(context.Background(), models.KindBranch, false)
	assert.NoError(t, err)
}
