package models

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidInput marks caller errors (missing or malformed fields).
var ErrInvalidInput = errors.New("invalid input")

type Variant string

const (
	VariantA Variant = "A"
	VariantB Variant = "B"
)

// Valid reports whether v is one of the two experiment arms.
func (v Variant) Valid() bool {
	return v == VariantA || v == VariantB
}

// ParseVariant accepts "A"/"B" in any case.
func ParseVariant(raw string) (Variant, bool) {
	v := Variant(strings.ToUpper(strings.TrimSpace(raw)))
	return v, v.Valid()
}

type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusRunning  Status = "RUNNING"
	StatusComplete Status = "COMPLETE"
)

func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusRunning, StatusComplete:
		return true
	}
	return false
}

type Experiment struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Hypothesis      string          `json:"hypothesis,omitempty"`
	Category        *string         `json:"category"`
	VariantA        json.RawMessage `json:"variantA"`
	VariantB        json.RawMessage `json:"variantB"`
	Metric          string          `json:"metric"`
	SecondaryMetric *string         `json:"secondaryMetric,omitempty"`
	StartAt         time.Time       `json:"startAt"`
	EndAt           time.Time       `json:"endAt"`
	Status          Status          `json:"status"`
	HarmThreshold   json.RawMessage `json:"harmThreshold,omitempty"`
	WinnerVariant   *Variant        `json:"winnerVariant,omitempty"`
	PromotedAt      *time.Time      `json:"promotedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// ConfigFor returns the opaque payload configured for the given arm.
func (e Experiment) ConfigFor(v Variant) json.RawMessage {
	if v == VariantB {
		return e.VariantB
	}
	return e.VariantA
}

// ActiveAt reports whether t falls inside the experiment's [StartAt, EndAt] window.
func (e Experiment) ActiveAt(t time.Time) bool {
	return !t.Before(e.StartAt) && !t.After(e.EndAt)
}

type HarmThreshold struct {
	Metric   string  `json:"metric"`
	MinValue float64 `json:"minValue"`
}

// ParseHarmThreshold decodes a stored threshold blob. It returns false for an
// absent or malformed threshold (missing metric, missing or non-finite minValue).
func ParseHarmThreshold(raw json.RawMessage) (HarmThreshold, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return HarmThreshold{}, false
	}
	var payload struct {
		Metric   string   `json:"metric"`
		MinValue *float64 `json:"minValue"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return HarmThreshold{}, false
	}
	metric := strings.TrimSpace(payload.Metric)
	if metric == "" || payload.MinValue == nil {
		return HarmThreshold{}, false
	}
	if math.IsNaN(*payload.MinValue) || math.IsInf(*payload.MinValue, 0) {
		return HarmThreshold{}, false
	}
	return HarmThreshold{Metric: metric, MinValue: *payload.MinValue}, true
}

type Assignment struct {
	ExperimentID uuid.UUID `json:"experimentId"`
	EntityID     string    `json:"entityId"`
	Variant      Variant   `json:"variant"`
	HashVersion  string    `json:"hashVersion"`
	AssignedAt   time.Time `json:"assignedAt"`
}

type Outcome struct {
	ID           uuid.UUID `json:"id"`
	ExperimentID uuid.UUID `json:"experimentId"`
	EntityID     string    `json:"entityId"`
	Variant      Variant   `json:"variant"`
	Metric       string    `json:"metric"`
	Value        float64   `json:"value"`
	HashVersion  string    `json:"hashVersion"`
	ObservedAt   time.Time `json:"observedAt"`
}

// AssignmentCount is the number of distinct entities bucketed into a variant
// under a given hash version.
type AssignmentCount struct {
	Variant     Variant
	HashVersion string
	Count       int
}
