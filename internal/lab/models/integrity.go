package models

// Restriction is one restrict-delete edge of the schema: a Dependent record
// references a Target record through Column, and the Target may not be
// deleted while such a Dependent exists. Every reference is required.
type Restriction struct {
	Dependent Kind
	Column    string
	Target    Kind
}

// Restrictions is the complete reference graph of the schema. Delete checks
// and reference resolution both read it; nothing cascades.
var Restrictions = []Restriction{
	{Dependent: KindBranch, Column: "created_by", Target: KindActor},
	{Dependent: KindBranch, Column: "modified_by", Target: KindActor},
	{Dependent: KindBranch, Column: "branch_manager", Target: KindActor},
	{Dependent: KindSection, Column: "branch_code", Target: KindBranch},
	{Dependent: KindEquipment, Column: "location_code", Target: KindBranch},
	{Dependent: KindEquipment, Column: "section_code", Target: KindSection},
	{Dependent: KindAnalysis, Column: "section_code", Target: KindSection},
	{Dependent: KindAnalysis, Column: "measuring_method_code", Target: KindMeasuringMethod},
	{Dependent: KindAnalysis, Column: "equipment_code", Target: KindEquipment},
	{Dependent: KindAnalysis, Column: "unit_id", Target: KindUnit},
	{Dependent: KindAnalysis, Column: "sample_id", Target: KindSample},
	{Dependent: KindBatch, Column: "control_level_id", Target: KindControlLevel},
	{Dependent: KindBatch, Column: "equipment_code", Target: KindEquipment},
	{Dependent: KindResult, Column: "analysis_code", Target: KindAnalysis},
	{Dependent: KindResult, Column: "equipment_code", Target: KindEquipment},
	{Dependent: KindResult, Column: "batch_id", Target: KindBatch},
	{Dependent: KindResult, Column: "created_by", Target: KindActor},
	{Dependent: KindResult, Column: "modified_by", Target: KindActor},
	{Dependent: KindNote, Column: "created_by", Target: KindActor},
}

// RestrictionsOn returns the edges whose Target is kind: the dependents that
// block deleting a record of kind.
func RestrictionsOn(kind Kind) []Restriction {
	var out []Restriction
	for _, r := range Restrictions {
		if r.Target == kind {
			out = append(out, r)
		}
	}
	return out
}

// ReferencesFrom returns the edges whose Dependent is kind: the references a
// record of kind must resolve when written.
func ReferencesFrom(kind Kind) []Restriction {
	var out []Restriction
	for _, r := range Restrictions {
		if r.Dependent == kind {
			out = append(out, r)
		}
	}
	return out
}
