// Package models declares the laboratory quality-control schema: reference
// data (branches, sections, equipment, analyses), control material batches and
// the QC results recorded against them. The structs are GORM models; the same
// types travel through the service layer and the audit events.
package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	e "github.com/gartstein/avenue/internal/lab/errors"
)

// Kind names an entity kind, e.g. "branch".
type Kind string

const (
	KindActor           Kind = "actor"
	KindBranch          Kind = "branch"
	KindSection         Kind = "section"
	KindMeasuringMethod Kind = "measuring_method"
	KindUnit            Kind = "unit"
	KindEquipment       Kind = "equipment"
	KindSample          Kind = "sample"
	KindAnalysis        Kind = "analysis"
	KindControlLevel    Kind = "control_level"
	KindBatch           Kind = "batch"
	KindResult          Kind = "result"
	KindNote            Kind = "note"
	KindSupplier        Kind = "supplier"
)

// Key identifies a stored record within its kind. Natural-key kinds use their
// Code, surrogate-key kinds the decimal form of their numeric ID.
type Key string

// IDKey returns the Key of a surrogate-key record.
func IDKey(id uint) Key {
	return Key(strconv.FormatUint(uint64(id), 10))
}

// Code is a caller-assigned natural key. Codes are unique within their kind
// and never change once the record exists.
type Code string

// Key returns c as a record Key.
func (c Code) Key() Key {
	return Key(c)
}

// Validate checks that c is present, carries no surrounding whitespace and
// fits in max characters.
func (c Code) Validate(max int) error {
	s := string(c)
	if s == "" {
		return fmt.Errorf("%w: code is required", e.ErrValidation)
	}
	if strings.TrimSpace(s) != s {
		return fmt.Errorf("%w: code %q has surrounding whitespace", e.ErrValidation, s)
	}
	if utf8.RuneCountInString(s) > max {
		return fmt.Errorf("%w: code %q exceeds %d characters", e.ErrValidation, s, max)
	}
	return nil
}

// ActorID references an identity issued by the external identity provider.
type ActorID string

// Stamp carries the acting identity and the clock reading of a write.
type Stamp struct {
	Actor ActorID
	At    time.Time
}

// Validate reports whether the stamp can be used to audit a write.
func (s Stamp) Validate() error {
	if s.Actor == "" {
		return fmt.Errorf("%w: actor is required", e.ErrValidation)
	}
	if s.At.IsZero() {
		return fmt.Errorf("%w: timestamp is required", e.ErrValidation)
	}
	return nil
}

// Fields holds column updates keyed by column name.
type Fields map[string]any

// AnalyticalGoal is the quality specification an analysis is evaluated against.
type AnalyticalGoal string

const (
	GoalCVw         AnalyticalGoal = "CVw"
	GoalCVb         AnalyticalGoal = "CVb"
	GoalImprecision AnalyticalGoal = "Imp%"
	GoalBias        AnalyticalGoal = "Bias%"
	GoalTotalError  AnalyticalGoal = "TEa%"
)

var analyticalGoals = []AnalyticalGoal{GoalCVw, GoalCVb, GoalImprecision, GoalBias, GoalTotalError}

// Valid reports whether g is one of the enumerated goals.
func (g AnalyticalGoal) Valid() bool {
	for _, goal := range analyticalGoals {
		if g == goal {
			return true
		}
	}
	return false
}

// ParseAnalyticalGoal converts s into an AnalyticalGoal.
func ParseAnalyticalGoal(s string) (AnalyticalGoal, error) {
	g := AnalyticalGoal(s)
	if !g.Valid() {
		return "", fmt.Errorf("%w: analytical goal %q is not one of %v", e.ErrValidation, s, analyticalGoals)
	}
	return g, nil
}

// Entity is implemented by every persisted kind.
type Entity interface {
	fmt.Stringer
	Kind() Kind
	PrimaryKey() Key
	// Validate checks the record's own fields. References to other records
	// are resolved by the store.
	Validate() error
}

// CreationAudited is implemented by kinds that record who created them.
type CreationAudited interface {
	StampCreated(Stamp)
}

// ModificationAudited is implemented by kinds that record their last writer.
type ModificationAudited interface {
	StampModified(Stamp)
}

func requireText(field, value string, max int) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", e.ErrValidation, field)
	}
	return maxLength(field, value, max)
}

func maxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return fmt.Errorf("%w: %s exceeds %d characters", e.ErrValidation, field, max)
	}
	return nil
}
