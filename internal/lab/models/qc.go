package models

import (
	"fmt"
	"time"

	e "github.com/gartstein/avenue/internal/lab/errors"
)

// ControlLevel describes a commercial QC material at one concentration level.
type ControlLevel struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Supplier    string `gorm:"size:100;not null" json:"supplier"`
	Description string `gorm:"size:100;not null" json:"description"`
	Reference   string `gorm:"size:100;not null" json:"reference"`
	Active      bool   `gorm:"not null;default:true" json:"active"`
}

func (ControlLevel) TableName() string  { return "control_levels" }
func (ControlLevel) Kind() Kind         { return KindControlLevel }
func (c *ControlLevel) PrimaryKey() Key { return IDKey(c.ID) }

func (c *ControlLevel) String() string {
	return fmt.Sprintf("%s from %s with reference %s", c.Description, c.Supplier, c.Reference)
}

func (c *ControlLevel) Validate() error {
	if err := requireText("supplier", c.Supplier, 100); err != nil {
		return err
	}
	if err := requireText("description", c.Description, 100); err != nil {
		return err
	}
	return requireText("reference", c.Reference, 100)
}

// Batch is one lot of control material assigned to an analyzer, together
// with its acceptance limits.
type Batch struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ControlLevelID    uint      `gorm:"not null;index" json:"control_level_id"`
	Description       string    `gorm:"size:100;not null" json:"description"`
	Lot               string    `gorm:"size:100;not null" json:"lot"`
	ExpirationDate    time.Time `gorm:"type:date;not null" json:"expiration_date"`
	Target            string    `gorm:"size:50;not null" json:"target"`
	Lower             int       `gorm:"not null;default:0" json:"lower"`
	Upper             int       `gorm:"not null;default:0" json:"upper"`
	StandardDeviation int       `gorm:"not null;default:0" json:"standard_deviation"`
	Expired           bool      `gorm:"not null;default:false" json:"expired"`
	EquipmentCode     Code      `gorm:"size:20;not null;index" json:"equipment_code"`
	Active            bool      `gorm:"not null;default:true" json:"active"`

	ControlLevel *ControlLevel `gorm:"foreignKey:ControlLevelID;constraint:OnDelete:RESTRICT" json:"-"`
	Equipment    *Equipment    `gorm:"foreignKey:EquipmentCode;constraint:OnDelete:RESTRICT" json:"-"`
}

func (Batch) TableName() string  { return "batches" }
func (Batch) Kind() Kind         { return KindBatch }
func (b *Batch) PrimaryKey() Key { return IDKey(b.ID) }

func (b *Batch) String() string {
	control := string(IDKey(b.ControlLevelID))
	if b.ControlLevel != nil {
		control = b.ControlLevel.String()
	}
	return fmt.Sprintf("Batch %s for control %s for lot %s with target %s and expiry %s",
		b.Description, control, b.Lot, b.Target, b.ExpirationDate.Format(time.DateOnly))
}

func (b *Batch) Validate() error {
	if err := requireText("description", b.Description, 100); err != nil {
		return err
	}
	if err := requireText("lot", b.Lot, 100); err != nil {
		return err
	}
	if err := requireText("target", b.Target, 50); err != nil {
		return err
	}
	if b.ExpirationDate.IsZero() {
		return fmt.Errorf("%w: expiration_date is required", e.ErrValidation)
	}
	if b.Lower > b.Upper {
		return fmt.Errorf("%w: lower limit %d is above upper limit %d", e.ErrValidation, b.Lower, b.Upper)
	}
	if b.StandardDeviation < 0 {
		return fmt.Errorf("%w: standard_deviation is negative", e.ErrValidation)
	}
	return nil
}

// Accepts reports whether value lies within the batch acceptance limits.
func (b *Batch) Accepts(value int) bool {
	return value >= b.Lower && value <= b.Upper
}

// ExpiredAt reports whether the batch is unusable at t, either because it was
// flagged expired or because its expiration date has passed.
func (b *Batch) ExpiredAt(t time.Time) bool {
	if b.Expired {
		return true
	}
	y, m, d := b.ExpirationDate.Date()
	endOfDay := time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
	return !t.Before(endOfDay)
}

// Result is one QC measurement of an analysis on an analyzer using a batch.
type Result struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	AnalysisCode   Code      `gorm:"size:10;not null;index" json:"analysis_code"`
	EquipmentCode  Code      `gorm:"size:20;not null;index" json:"equipment_code"`
	BatchID        uint      `gorm:"not null;index" json:"batch_id"`
	Value          int       `gorm:"not null;default:0" json:"value"`
	Active         bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time `gorm:"<-:create;not null" json:"created_at"`
	CreatedBy      ActorID   `gorm:"<-:create;size:64;not null;index" json:"created_by"`
	LastModifiedAt time.Time `gorm:"not null" json:"last_modified_at"`
	ModifiedBy     ActorID   `gorm:"size:64;not null;index" json:"modified_by"`

	Analysis  *Analysis  `gorm:"foreignKey:AnalysisCode;constraint:OnDelete:RESTRICT" json:"-"`
	Equipment *Equipment `gorm:"foreignKey:EquipmentCode;constraint:OnDelete:RESTRICT" json:"-"`
	Batch     *Batch     `gorm:"foreignKey:BatchID;constraint:OnDelete:RESTRICT" json:"-"`
	Creator   *Actor     `gorm:"foreignKey:CreatedBy;constraint:OnDelete:RESTRICT" json:"-"`
	Modifier  *Actor     `gorm:"foreignKey:ModifiedBy;constraint:OnDelete:RESTRICT" json:"-"`
}

func (Result) TableName() string  { return "results" }
func (Result) Kind() Kind         { return KindResult }
func (r *Result) PrimaryKey() Key { return IDKey(r.ID) }

func (r *Result) String() string {
	analysis := string(r.AnalysisCode)
	if r.Analysis != nil {
		analysis = r.Analysis.String()
	}
	batch := string(IDKey(r.BatchID))
	if r.Batch != nil {
		batch = r.Batch.String()
	}
	equipment := string(r.EquipmentCode)
	if r.Equipment != nil {
		equipment = r.Equipment.String()
	}
	return fmt.Sprintf("Result for %s for batch %s done on %s equipment", analysis, batch, equipment)
}

// Validate has nothing to check beyond the references the store resolves.
func (r *Result) Validate() error { return nil }

func (r *Result) StampCreated(s Stamp) {
	r.CreatedAt = s.At
	r.CreatedBy = s.Actor
}

func (r *Result) StampModified(s Stamp) {
	r.LastModifiedAt = s.At
	r.ModifiedBy = s.Actor
}

// Note is a short free-text entry recording a corrective action.
type Note struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Action      string    `gorm:"size:3;not null" json:"action"`
	Description string    `gorm:"size:100;not null" json:"description"`
	CreatedAt   time.Time `gorm:"<-:create;not null" json:"created_at"`
	CreatedBy   ActorID   `gorm:"<-:create;size:64;not null;index" json:"created_by"`

	Creator *Actor `gorm:"foreignKey:CreatedBy;constraint:OnDelete:RESTRICT" json:"-"`
}

func (Note) TableName() string  { return "notes" }
func (Note) Kind() Kind         { return KindNote }
func (n *Note) PrimaryKey() Key { return IDKey(n.ID) }
func (n *Note) String() string  { return fmt.Sprintf("%d. %s", n.ID, n.Description) }

func (n *Note) Validate() error {
	if err := requireText("action", n.Action, 3); err != nil {
		return err
	}
	return requireText("description", n.Description, 100)
}

func (n *Note) StampCreated(s Stamp) {
	n.CreatedAt = s.At
	n.CreatedBy = s.Actor
}

// Supplier carries no data and nothing references it.
type Supplier struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

func (Supplier) TableName() string  { return "suppliers" }
func (Supplier) Kind() Kind         { return KindSupplier }
func (s *Supplier) PrimaryKey() Key { return IDKey(s.ID) }
func (s *Supplier) String() string  { return fmt.Sprintf("Supplier object (%d)", s.ID) }
func (s *Supplier) Validate() error { return nil }
