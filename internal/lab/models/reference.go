package models

import (
	"fmt"
	"time"
)

// Actor mirrors an identity owned by the identity provider so that audit
// columns can reference it with restrict-delete semantics.
type Actor struct {
	ID       ActorID `gorm:"primaryKey;size:64" json:"id"`
	Username string  `gorm:"size:150" json:"username"`
}

func (Actor) TableName() string  { return "actors" }
func (Actor) Kind() Kind         { return KindActor }
func (a *Actor) PrimaryKey() Key { return Key(a.ID) }

func (a *Actor) Validate() error {
	if err := requireText("actor id", string(a.ID), 64); err != nil {
		return err
	}
	return maxLength("username", a.Username, 150)
}

func (a *Actor) String() string {
	if a.Username != "" {
		return a.Username
	}
	return string(a.ID)
}

// Branch is a laboratory site.
type Branch struct {
	Code           Code      `gorm:"primaryKey;size:4" json:"code"`
	Description    string    `gorm:"size:100;not null" json:"description"`
	CreatedAt      time.Time `gorm:"<-:create;not null" json:"created_at"`
	CreatedBy      ActorID   `gorm:"<-:create;size:64;not null;index" json:"created_by"`
	LastModifiedAt time.Time `gorm:"not null" json:"last_modified_at"`
	ModifiedBy     ActorID   `gorm:"size:64;not null;index" json:"modified_by"`
	BranchManager  ActorID   `gorm:"size:64;not null;index" json:"branch_manager"`
	Active         bool      `gorm:"not null;default:true" json:"active"`

	Creator  *Actor `gorm:"foreignKey:CreatedBy;constraint:OnDelete:RESTRICT" json:"-"`
	Modifier *Actor `gorm:"foreignKey:ModifiedBy;constraint:OnDelete:RESTRICT" json:"-"`
	Manager  *Actor `gorm:"foreignKey:BranchManager;constraint:OnDelete:RESTRICT" json:"-"`
}

func (Branch) TableName() string  { return "branches" }
func (Branch) Kind() Kind         { return KindBranch }
func (b *Branch) PrimaryKey() Key { return b.Code.Key() }
func (b *Branch) String() string  { return b.Description }

func (b *Branch) Validate() error {
	if err := b.Code.Validate(4); err != nil {
		return err
	}
	return requireText("description", b.Description, 100)
}

func (b *Branch) StampCreated(s Stamp) {
	b.CreatedAt = s.At
	b.CreatedBy = s.Actor
}

func (b *Branch) StampModified(s Stamp) {
	b.LastModifiedAt = s.At
	b.ModifiedBy = s.Actor
}

// Section is a laboratory department inside a branch.
type Section struct {
	Code        Code   `gorm:"primaryKey;size:4" json:"code"`
	Description string `gorm:"size:100;not null" json:"description"`
	BranchCode  Code   `gorm:"size:4;not null;index" json:"branch_code"`

	Branch *Branch `gorm:"foreignKey:BranchCode;constraint:OnDelete:RESTRICT" json:"-"`
}

func (Section) TableName() string  { return "sections" }
func (Section) Kind() Kind         { return KindSection }
func (s *Section) PrimaryKey() Key { return s.Code.Key() }
func (s *Section) String() string  { return fmt.Sprintf("%s lab", s.Description) }

func (s *Section) Validate() error {
	if err := s.Code.Validate(4); err != nil {
		return err
	}
	return requireText("description", s.Description, 100)
}

// MeasuringMethod is the analytical principle an analysis uses.
type MeasuringMethod struct {
	Code        Code   `gorm:"primaryKey;size:10" json:"code"`
	Description string `gorm:"size:100;not null" json:"description"`
	Active      bool   `gorm:"not null;default:true" json:"active"`
}

func (MeasuringMethod) TableName() string  { return "measuring_methods" }
func (MeasuringMethod) Kind() Kind         { return KindMeasuringMethod }
func (m *MeasuringMethod) PrimaryKey() Key { return m.Code.Key() }
func (m *MeasuringMethod) String() string  { return m.Description }

func (m *MeasuringMethod) Validate() error {
	if err := m.Code.Validate(10); err != nil {
		return err
	}
	return requireText("description", m.Description, 100)
}

// Unit is a unit of measure. Its code is not unique: the same symbol may be
// registered under several descriptions.
type Unit struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Code        string `gorm:"size:10;not null;index" json:"code"`
	Description string `gorm:"size:100;not null" json:"description"`
}

func (Unit) TableName() string  { return "units" }
func (Unit) Kind() Kind         { return KindUnit }
func (u *Unit) PrimaryKey() Key { return IDKey(u.ID) }
func (u *Unit) String() string  { return u.Description }

func (u *Unit) Validate() error {
	if err := requireText("code", u.Code, 10); err != nil {
		return err
	}
	return requireText("description", u.Description, 100)
}

// Equipment is an analyzer installed at one branch and section.
type Equipment struct {
	Code         Code   `gorm:"primaryKey;size:20" json:"code"`
	Description  string `gorm:"size:100;not null" json:"description"`
	LocationCode Code   `gorm:"size:4;not null;index" json:"location_code"`
	SectionCode  Code   `gorm:"size:4;not null;index" json:"section_code"`
	Serial       string `gorm:"size:100;not null" json:"serial"`
	InUse        bool   `gorm:"not null;default:true" json:"in_use"`

	Location *Branch  `gorm:"foreignKey:LocationCode;constraint:OnDelete:RESTRICT" json:"-"`
	Section  *Section `gorm:"foreignKey:SectionCode;constraint:OnDelete:RESTRICT" json:"-"`
}

func (Equipment) TableName() string   { return "equipment" }
func (Equipment) Kind() Kind          { return KindEquipment }
func (eq *Equipment) PrimaryKey() Key { return eq.Code.Key() }

func (eq *Equipment) String() string {
	location := string(eq.LocationCode)
	if eq.Location != nil {
		location = eq.Location.String()
	}
	section := string(eq.SectionCode)
	if eq.Section != nil {
		section = eq.Section.String()
	}
	return fmt.Sprintf("%s at %s for %s section", eq.Description, location, section)
}

func (eq *Equipment) Validate() error {
	if err := eq.Code.Validate(20); err != nil {
		return err
	}
	if err := requireText("description", eq.Description, 100); err != nil {
		return err
	}
	return requireText("serial", eq.Serial, 100)
}

// Sample is a specimen type (serum, whole blood, urine...).
type Sample struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Description string `gorm:"size:100;not null" json:"description"`
}

func (Sample) TableName() string  { return "samples" }
func (Sample) Kind() Kind         { return KindSample }
func (s *Sample) PrimaryKey() Key { return IDKey(s.ID) }
func (s *Sample) String() string  { return s.Description }

func (s *Sample) Validate() error {
	return requireText("description", s.Description, 100)
}

// Analysis is a test definition: what is measured, how, on which equipment
// and in which unit. It is not an instance of testing; see Result.
type Analysis struct {
	Code                Code            `gorm:"primaryKey;size:10" json:"code"`
	Description         string          `gorm:"size:200;not null" json:"description"`
	SectionCode         Code            `gorm:"size:4;not null;index" json:"section_code"`
	Active              bool            `gorm:"not null;default:true" json:"active"`
	MeasuringMethodCode Code            `gorm:"size:10;not null;index" json:"measuring_method_code"`
	EquipmentCode       Code            `gorm:"size:20;not null;index" json:"equipment_code"`
	UnitID              uint            `gorm:"not null;index" json:"unit_id"`
	SampleID            uint            `gorm:"not null;index" json:"sample_id"`
	AnalyticalGoal      *AnalyticalGoal `gorm:"size:10" json:"analytical_goal,omitempty"`

	Section         *Section         `gorm:"foreignKey:SectionCode;constraint:OnDelete:RESTRICT" json:"-"`
	MeasuringMethod *MeasuringMethod `gorm:"foreignKey:MeasuringMethodCode;constraint:OnDelete:RESTRICT" json:"-"`
	Equipment       *Equipment       `gorm:"foreignKey:EquipmentCode;constraint:OnDelete:RESTRICT" json:"-"`
	Unit            *Unit            `gorm:"foreignKey:UnitID;constraint:OnDelete:RESTRICT" json:"-"`
	Sample          *Sample          `gorm:"foreignKey:SampleID;constraint:OnDelete:RESTRICT" json:"-"`
}

func (Analysis) TableName() string  { return "analyses" }
func (Analysis) Kind() Kind         { return KindAnalysis }
func (a *Analysis) PrimaryKey() Key { return a.Code.Key() }
func (a *Analysis) String() string  { return a.Description }

func (a *Analysis) Validate() error {
	if err := a.Code.Validate(10); err != nil {
		return err
	}
	if err := requireText("description", a.Description, 200); err != nil {
		return err
	}
	if a.AnalyticalGoal != nil {
		if _, err := ParseAnalyticalGoal(string(*a.AnalyticalGoal)); err != nil {
			return err
		}
	}
	return nil
}
