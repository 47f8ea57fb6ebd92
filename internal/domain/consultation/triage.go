package consultation

import (
	"strings"

	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

type UrgencyTier string

const (
	TierRed    UrgencyTier = "red"
	TierOrange UrgencyTier = "orange"
	TierYellow UrgencyTier = "yellow"
	TierGreen  UrgencyTier = "green"
)

var tierRank = map[UrgencyTier]int{
	TierRed:    1,
	TierOrange: 2,
	TierYellow: 3,
	TierGreen:  4,
}

// unrankedPriority sorts untriaged consultations after green.
const unrankedPriority = 5

// Rank is the queue priority of t; lower is more urgent. Zero for unknown tiers.
func (t UrgencyTier) Rank() int { return tierRank[t] }

func (t UrgencyTier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

type PainIntensity string

const (
	PainMild     PainIntensity = "mild"
	PainModerate PainIntensity = "moderate"
	PainSevere   PainIntensity = "severe"
)

func (p PainIntensity) Valid() bool {
	return p == PainMild || p == PainModerate || p == PainSevere
}

type Vitals struct {
	BloodPressure    string   `json:"blood_pressure,omitempty"`
	HeartRate        *int     `json:"heart_rate,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	OxygenSaturation *int     `json:"oxygen_saturation,omitempty"`
}

// Intake is the closed set of fields accepted at triage.
type Intake struct {
	Symptoms        string        `json:"symptoms"`
	SymptomDuration string        `json:"symptom_duration"`
	PainIntensity   PainIntensity `json:"pain_intensity,omitempty"`
	Vitals          *Vitals       `json:"vitals,omitempty"`
	UrgencyTier     UrgencyTier   `json:"urgency_tier"`
	MedicalHistory  string        `json:"medical_history,omitempty"`
	Medications     string        `json:"medications,omitempty"`
	Allergies       string        `json:"allergies,omitempty"`
	Notes           string        `json:"notes,omitempty"`
}

// TriageData is the intake as stored, with the classification applied.
type TriageData struct {
	Intake
	Tier         UrgencyTier `json:"tier"`
	PriorityRank int         `json:"priority_rank"`
}

type Classification struct {
	Tier         UrgencyTier `json:"tier"`
	PriorityRank int         `json:"priority_rank"`
}

type TriagePolicy string

const (
	// PolicyDeclared trusts the tier declared at intake.
	PolicyDeclared TriagePolicy = "declared"
	// PolicyVitals scores vitals and symptoms and escalates the declared
	// tier when the score is more urgent. It never downgrades.
	PolicyVitals TriagePolicy = "vitals"
)

func (p TriagePolicy) Valid() bool {
	return p == PolicyDeclared || p == PolicyVitals
}

// Classifier is pure; the same intake always yields the same result.
type Classifier struct {
	policy TriagePolicy
}

func NewClassifier(policy TriagePolicy) *Classifier {
	if !policy.Valid() {
		policy = PolicyDeclared
	}
	return &Classifier{policy: policy}
}

func (in Intake) Validate(requireTier bool) error {
	if strings.TrimSpace(in.Symptoms) == "" {
		return apperr.Validation("symptoms are required")
	}
	if strings.TrimSpace(in.SymptomDuration) == "" {
		return apperr.Validation("symptom_duration is required")
	}
	if in.PainIntensity != "" && !in.PainIntensity.Valid() {
		return apperr.Validation("pain_intensity must be mild, moderate or severe, got %q", in.PainIntensity)
	}
	if in.UrgencyTier == "" {
		if requireTier {
			return apperr.Validation("urgency_tier is required")
		}
	} else if !in.UrgencyTier.Valid() {
		return apperr.Validation("unknown urgency_tier %q", in.UrgencyTier)
	}
	if v := in.Vitals; v != nil {
		if v.HeartRate != nil && *v.HeartRate <= 0 {
			return apperr.Validation("heart_rate must be positive")
		}
		if v.Temperature != nil && *v.Temperature <= 0 {
			return apperr.Validation("temperature must be positive")
		}
		if v.OxygenSaturation != nil && (*v.OxygenSaturation < 0 || *v.OxygenSaturation > 100) {
			return apperr.Validation("oxygen_saturation must be between 0 and 100")
		}
	}
	return nil
}

func (c *Classifier) Classify(in Intake) (Classification, error) {
	if err := in.Validate(c.policy == PolicyDeclared); err != nil {
		return Classification{}, err
	}

	tier := in.UrgencyTier
	if c.policy == PolicyVitals {
		scored := ScoreIntake(in)
		if tier == "" || scored.Rank() < tier.Rank() {
			tier = scored
		}
	}
	return Classification{Tier: tier, PriorityRank: tier.Rank()}, nil
}

var criticalSymptoms = []string{
	"dor no peito", "falta de ar severa", "perda de consciência", "convulsão",
	"hemorragia", "acidente", "trauma grave", "avc", "derrame", "infarto",
}

var highRiskSymptoms = []string{
	"febre alta", "vomito persistente", "diarreia severa",
	"dificuldade respiratoria", "dor intensa", "confusão mental",
}

// ScoreIntake derives a tier from vitals, pain and symptom keywords alone.
func ScoreIntake(in Intake) UrgencyTier {
	symptoms := strings.ToLower(in.Symptoms)
	for _, s := range criticalSymptoms {
		if strings.Contains(symptoms, s) {
			return TierRed
		}
	}

	points := 0
	if v := in.Vitals; v != nil {
		if v.OxygenSaturation != nil {
			switch sat := *v.OxygenSaturation; {
			case sat < 90:
				return TierRed
			case sat < 95:
				points += 2
			}
		}
		if v.Temperature != nil {
			switch temp := *v.Temperature; {
			case temp >= 39.5 || temp <= 35.0:
				points += 3
			case temp >= 38.5:
				points += 2
			}
		}
	}

	switch in.PainIntensity {
	case PainSevere:
		points += 3
	case PainModerate:
		points += 2
	}

	for _, s := range highRiskSymptoms {
		if strings.Contains(symptoms, s) {
			points += 2
		}
	}

	switch {
	case points >= 5:
		return TierRed
	case points >= 3:
		return TierOrange
	case points >= 1:
		return TierYellow
	}
	return TierGreen
}
