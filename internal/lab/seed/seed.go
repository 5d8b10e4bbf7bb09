// Package seed loads reference data from a YAML fixture file into the store.
// Records are created through the service, so fixtures are validated and
// audited like any other write. Loading the same file twice is a no-op.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	e "github.com/gartstein/avenue/internal/lab/errors"
	"github.com/gartstein/avenue/internal/lab/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Service is the part of the lab service the loader writes through.
type Service interface {
	Create(ctx context.Context, entity models.Entity, stamp models.Stamp) (models.Entity, error)
	List(ctx context.Context, kind models.Kind, activeOnly bool) ([]models.Entity, error)
	RegisterActor(ctx context.Context, actor models.Actor) error
}

// Fixtures is the document layout. Surrogate-keyed records carry a ref name
// that later records use to point at them.
type Fixtures struct {
	Actors        []Actor        `yaml:"actors"`
	Branches      []Branch       `yaml:"branches"`
	Sections      []Section      `yaml:"sections"`
	Methods       []Method       `yaml:"methods"`
	Units         []Unit         `yaml:"units"`
	Samples       []Sample       `yaml:"samples"`
	Equipment     []Equipment    `yaml:"equipment"`
	Analyses      []Analysis     `yaml:"analyses"`
	ControlLevels []ControlLevel `yaml:"control_levels"`
	Batches       []Batch        `yaml:"batches"`
}

type Actor struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
}

type Branch struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
	Manager     string `yaml:"manager"`
}

type Section struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
	Branch      string `yaml:"branch"`
}

type Method struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
}

type Unit struct {
	Ref         string `yaml:"ref"`
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
}

type Sample struct {
	Ref         string `yaml:"ref"`
	Description string `yaml:"description"`
}

type Equipment struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
	Location    string `yaml:"location"`
	Section     string `yaml:"section"`
	Serial      string `yaml:"serial"`
}

type Analysis struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
	Section     string `yaml:"section"`
	Method      string `yaml:"method"`
	Equipment   string `yaml:"equipment"`
	Unit        string `yaml:"unit"`
	Sample      string `yaml:"sample"`
	Goal        string `yaml:"goal"`
}

type ControlLevel struct {
	Ref         string `yaml:"ref"`
	Supplier    string `yaml:"supplier"`
	Description string `yaml:"description"`
	Reference   string `yaml:"reference"`
}

type Batch struct {
	Ref               string `yaml:"ref"`
	ControlLevel      string `yaml:"control_level"`
	Description       string `yaml:"description"`
	Lot               string `yaml:"lot"`
	ExpirationDate    string `yaml:"expiration_date"`
	Target            string `yaml:"target"`
	Lower             int    `yaml:"lower"`
	Upper             int    `yaml:"upper"`
	StandardDeviation int    `yaml:"standard_deviation"`
	Equipment         string `yaml:"equipment"`
}

// Summary counts what a load did.
type Summary struct {
	Created int
	Skipped int
}

// Parse decodes a fixture document. Unknown keys are rejected.
func Parse(data []byte) (*Fixtures, error) {
	var f Fixtures
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: invalid fixtures: %v", e.ErrValidation, err)
	}
	return &f, nil
}

// LoadFile parses path and loads it.
func LoadFile(ctx context.Context, svc Service, path string, stamp models.Stamp, logger *zap.Logger) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read fixtures: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return Summary{}, err
	}
	return Load(ctx, svc, f, stamp, logger)
}

type loader struct {
	ctx     context.Context
	svc     Service
	stamp   models.Stamp
	logger  *zap.Logger
	summary Summary

	units    map[string]uint
	samples  map[string]uint
	controls map[string]uint
}

// Load creates the fixtures in dependency order. Records that already exist
// are skipped: natural-keyed ones by code, surrogate-keyed ones by matching
// every described attribute.
func Load(ctx context.Context, svc Service, f *Fixtures, stamp models.Stamp, logger *zap.Logger) (Summary, error) {
	l := &loader{
		ctx:      ctx,
		svc:      svc,
		stamp:    stamp,
		logger:   logger.Named("seed"),
		units:    map[string]uint{},
		samples:  map[string]uint{},
		controls: map[string]uint{},
	}

	for _, a := range f.Actors {
		if err := svc.RegisterActor(ctx, models.Actor{ID: models.ActorID(a.ID), Username: a.Username}); err != nil {
			return l.summary, fmt.Errorf("actor %s: %w", a.ID, err)
		}
	}

	steps := []func(*Fixtures) error{
		l.branches, l.sections, l.methods, l.unitsAndSamples,
		l.equipment, l.analyses, l.controlLevels, l.batches,
	}
	for _, step := range steps {
		if err := step(f); err != nil {
			return l.summary, err
		}
	}
	l.logger.Info("fixtures loaded",
		zap.Int("created", l.summary.Created),
		zap.Int("skipped", l.summary.Skipped),
	)
	return l.summary, nil
}

// create writes entity, counting an existing natural key as skipped.
func (l *loader) create(entity models.Entity) (models.Entity, error) {
	created, err := l.svc.Create(l.ctx, entity, l.stamp)
	if errors.Is(err, e.ErrUniqueness) {
		l.summary.Skipped++
		l.logger.Debug("record exists", zap.String("kind", string(entity.Kind())), zap.String("key", string(entity.PrimaryKey())))
		return entity, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", entity.Kind(), entity.PrimaryKey(), err)
	}
	l.summary.Created++
	return created, nil
}

// findOrCreate returns the ID of the first stored record of entity's kind
// that match accepts, creating entity when there is none.
func (l *loader) findOrCreate(entity models.Entity, match func(models.Entity) bool) (uint, error) {
	existing, err := l.svc.List(l.ctx, entity.Kind(), false)
	if err != nil {
		return 0, err
	}
	for _, candidate := range existing {
		if match(candidate) {
			l.summary.Skipped++
			return idOf(candidate), nil
		}
	}
	created, err := l.create(entity)
	if err != nil {
		return 0, err
	}
	return idOf(created), nil
}

func idOf(entity models.Entity) uint {
	switch v := entity.(type) {
	case *models.Unit:
		return v.ID
	case *models.Sample:
		return v.ID
	case *models.ControlLevel:
		return v.ID
	case *models.Batch:
		return v.ID
	}
	return 0
}

func lookup(refs map[string]uint, kind models.Kind, ref string) (uint, error) {
	id, ok := refs[ref]
	if !ok {
		return 0, fmt.Errorf("%w: unknown %s ref %q", e.ErrValidation, kind, ref)
	}
	return id, nil
}

func (l *loader) branches(f *Fixtures) error {
	for _, b := range f.Branches {
		_, err := l.create(&models.Branch{
			Code:          models.Code(b.Code),
			Description:   b.Description,
			BranchManager: models.ActorID(b.Manager),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *loader) sections(f *Fixtures) error {
	for _, s := range f.Sections {
		_, err := l.create(&models.Section{
			Code:        models.Code(s.Code),
			Description: s.Description,
			BranchCode:  models.Code(s.Branch),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *loader) methods(f *Fixtures) error {
	for _, m := range f.Methods {
		if _, err := l.create(&models.MeasuringMethod{Code: models.Code(m.Code), Description: m.Description}); err != nil {
			return err
		}
	}
	return nil
}

func (l *loader) unitsAndSamples(f *Fixtures) error {
	for _, u := range f.Units {
		id, err := l.findOrCreate(&models.Unit{Code: u.Code, Description: u.Description}, func(ent models.Entity) bool {
			stored := ent.(*models.Unit)
			return stored.Code == u.Code && stored.Description == u.Description
		})
		if err != nil {
			return err
		}
		l.units[u.Ref] = id
	}
	for _, s := range f.Samples {
		id, err := l.findOrCreate(&models.Sample{Description: s.Description}, func(ent models.Entity) bool {
			return ent.(*models.Sample).Description == s.Description
		})
		if err != nil {
			return err
		}
		l.samples[s.Ref] = id
	}
	return nil
}

func (l *loader) equipment(f *Fixtures) error {
	for _, eq := range f.Equipment {
		_, err := l.create(&models.Equipment{
			Code:         models.Code(eq.Code),
			Description:  eq.Description,
			LocationCode: models.Code(eq.Location),
			SectionCode:  models.Code(eq.Section),
			Serial:       eq.Serial,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *loader) analyses(f *Fixtures) error {
	for _, a := range f.Analyses {
		unit, err := lookup(l.units, models.KindUnit, a.Unit)
		if err != nil {
			return err
		}
		sample, err := lookup(l.samples, models.KindSample, a.Sample)
		if err != nil {
			return err
		}
		analysis := &models.Analysis{
			Code:                models.Code(a.Code),
			Description:         a.Description,
			SectionCode:         models.Code(a.Section),
			MeasuringMethodCode: models.Code(a.Method),
			EquipmentCode:       models.Code(a.Equipment),
			UnitID:              unit,
			SampleID:            sample,
		}
		if a.Goal != "" {
			goal, err := models.ParseAnalyticalGoal(a.Goal)
			if err != nil {
				return fmt.Errorf("analysis %s: %w", a.Code, err)
			}
			analysis.AnalyticalGoal = &goal
		}
		if _, err := l.create(analysis); err != nil {
			return err
		}
	}
	return nil
}

func (l *loader) controlLevels(f *Fixtures) error {
	for _, c := range f.ControlLevels {
		level := &models.ControlLevel{Supplier: c.Supplier, Description: c.Description, Reference: c.Reference}
		id, err := l.findOrCreate(level, func(ent models.Entity) bool {
			stored := ent.(*models.ControlLevel)
			return stored.Supplier == c.Supplier && stored.Description == c.Description && stored.Reference == c.Reference
		})
		if err != nil {
			return err
		}
		l.controls[c.Ref] = id
	}
	return nil
}

func (l *loader) batches(f *Fixtures) error {
	for _, b := range f.Batches {
		control, err := lookup(l.controls, models.KindControlLevel, b.ControlLevel)
		if err != nil {
			return err
		}
		expires, err := time.Parse(time.DateOnly, b.ExpirationDate)
		if err != nil {
			return fmt.Errorf("%w: batch %s: expiration_date %q is not YYYY-MM-DD", e.ErrValidation, b.Ref, b.ExpirationDate)
		}
		batch := &models.Batch{
			ControlLevelID:    control,
			Description:       b.Description,
			Lot:               b.Lot,
			ExpirationDate:    expires,
			Target:            b.Target,
			Lower:             b.Lower,
			Upper:             b.Upper,
			StandardDeviation: b.StandardDeviation,
			EquipmentCode:     models.Code(b.Equipment),
		}
		_, err = l.findOrCreate(batch, func(ent models.Entity) bool {
			stored := ent.(*models.Batch)
			return stored.ControlLevelID == control && stored.Lot == b.Lot && stored.EquipmentCode == batch.EquipmentCode
		})
		if err != nil {
			return err
		}
	}
	return nil
}
