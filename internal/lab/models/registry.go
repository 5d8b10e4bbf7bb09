package models

import (
	"fmt"

	e "github.com/gartstein/avenue/internal/lab/errors"
)

// KindInfo describes how the store handles a kind.
type KindInfo struct {
	// New returns an empty record of the kind.
	New func() Entity
	// RetireFlag is the boolean column cleared by retirement. Empty when the
	// kind cannot be retired.
	RetireFlag string
}

// kindOrder lists kinds so that every kind comes after the kinds it references.
var kindOrder = []Kind{
	KindActor,
	KindBranch,
	KindSection,
	KindMeasuringMethod,
	KindUnit,
	KindEquipment,
	KindSample,
	KindAnalysis,
	KindControlLevel,
	KindBatch,
	KindResult,
	KindNote,
	KindSupplier,
}

var kinds = map[Kind]KindInfo{
	KindActor:           {New: func() Entity { return &Actor{} }},
	KindBranch:          {New: func() Entity { return &Branch{} }, RetireFlag: "active"},
	KindSection:         {New: func() Entity { return &Section{} }},
	KindMeasuringMethod: {New: func() Entity { return &MeasuringMethod{} }, RetireFlag: "active"},
	KindUnit:            {New: func() Entity { return &Unit{} }},
	KindEquipment:       {New: func() Entity { return &Equipment{} }, RetireFlag: "in_use"},
	KindSample:          {New: func() Entity { return &Sample{} }},
	KindAnalysis:        {New: func() Entity { return &Analysis{} }, RetireFlag: "active"},
	KindControlLevel:    {New: func() Entity { return &ControlLevel{} }, RetireFlag: "active"},
	KindBatch:           {New: func() Entity { return &Batch{} }, RetireFlag: "active"},
	KindResult:          {New: func() Entity { return &Result{} }, RetireFlag: "active"},
	KindNote:            {New: func() Entity { return &Note{} }},
	KindSupplier:        {New: func() Entity { return &Supplier{} }},
}

// Lookup returns the KindInfo registered for kind.
func Lookup(kind Kind) (KindInfo, error) {
	info, ok := kinds[kind]
	if !ok {
		return KindInfo{}, fmt.Errorf("%w: unknown kind %q", e.ErrValidation, kind)
	}
	return info, nil
}

// ParseKind converts s into a registered Kind.
func ParseKind(s string) (Kind, error) {
	kind := Kind(s)
	if _, err := Lookup(kind); err != nil {
		return "", err
	}
	return kind, nil
}

// Kinds returns every registered kind, referenced kinds first.
func Kinds() []Kind {
	out := make([]Kind, len(kindOrder))
	copy(out, kindOrder)
	return out
}

// All returns an empty record of every kind, in Kinds order. It is the model
// list handed to schema migration.
func All() []any {
	out := make([]any, 0, len(kindOrder))
	for _, kind := range kindOrder {
		out = append(out, kinds[kind].New())
	}
	return out
}
