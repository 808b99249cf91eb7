// Package clinicaldata is the read-only view of patient demographics, vital
// signs and lab results that the scorers consume. Writes belong to the
// surrounding EHR and are not exposed here.
package clinicaldata

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/scoring"
)

var ErrPatientNotFound = errors.New("patient not found")

// Scorers only look at recent history.
const (
	DefaultVitalLimit = 50
	DefaultLabLimit   = 200
)

type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	MRN       *string    `db:"mrn" json:"mrn,omitempty"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Sex       *string    `db:"sex" json:"sex,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Age returns completed years at now, or nil without a birth date.
func (p *Patient) Age(now time.Time) *int {
	if p.BirthDate == nil {
		return nil
	}
	b := p.BirthDate.UTC()
	n := now.UTC()
	years := n.Year() - b.Year()
	if n.Month() < b.Month() || (n.Month() == b.Month() && n.Day() < b.Day()) {
		years--
	}
	if years < 0 {
		return nil
	}
	return &years
}

// Context is the demographic input to the scorers.
func (p *Patient) Context(now time.Time) scoring.PatientContext {
	if p == nil {
		return scoring.PatientContext{}
	}
	return scoring.PatientContext{Age: p.Age(now), Sex: p.Sex}
}
