package model

import (
	"strconv"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type Outcome string

const (
	OutcomeUnset   Outcome = "UNSET"
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeUnset, OutcomeSuccess, OutcomeFailure:
		return true
	default:
		return false
	}
}

// Individual is one creature. Trait values stay within [0,1].
type Individual struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Generation int    `json:"generation"`

	Speed   float64 `json:"speed"`
	Stamina float64 `json:"stamina"`
	Health  float64 `json:"health"`
	Greed   float64 `json:"greed"`

	ChanceOfMutation float64 `json:"chance_of_mutation"`
	Fitness          float64 `json:"fitness"`

	Simulated             bool    `json:"simulated"`
	NaturallySelected     bool    `json:"naturally_selected"`
	Outcome               Outcome `json:"outcome"`
	FitnessIndex          int     `json:"fitness_index"`
	MutatedThisGeneration bool    `json:"mutated_this_generation"`

	Hint Hint `json:"hint"`
}

// DisplayName is the name and generation-of-origin pair shown to users.
func (i Individual) DisplayName() string {
	return i.Name + "-" + strconv.Itoa(i.Generation)
}

func (i Individual) TraitSum() float64 {
	return i.Speed + i.Stamina + i.Health + i.Greed
}

func (i Individual) TraitsInRange() bool {
	for _, v := range [...]float64{i.Speed, i.Stamina, i.Health, i.Greed} {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}

// RefreshHint derives the presentation hint from outcome and mutation state.
func (i *Individual) RefreshHint() {
	switch i.Outcome {
	case OutcomeSuccess:
		i.Hint = HintSuccess
	case OutcomeFailure:
		i.Hint = HintFailure
	default:
		if i.MutatedThisGeneration {
			i.Hint = HintMutated
		} else {
			i.Hint = HintUnset
		}
	}
}

// ResetGeneration clears the per-generation flags.
func (i *Individual) ResetGeneration() {
	i.Simulated = false
	i.NaturallySelected = false
	i.Outcome = OutcomeUnset
	i.MutatedThisGeneration = false
	i.Hint = HintUnset
}

type Hint string

const (
	HintUnset   Hint = "unset"
	HintMutated Hint = "mutated"
	HintSuccess Hint = "success"
	HintFailure Hint = "failure"
)

type Palette struct {
	Color      string `json:"color"`
	Border     string `json:"border"`
	Background string `json:"background"`
}

func (h Hint) Palette() Palette {
	switch h {
	case HintMutated:
		return Palette{Color: "#666600", Border: "#666600", Background: "#ffff77"}
	case HintSuccess:
		return Palette{Color: "#009900", Border: "#009900", Background: "#55dd55"}
	case HintFailure:
		return Palette{Color: "#990000", Border: "#990000", Background: "#dd5555"}
	default:
		return Palette{Color: "#777777", Border: "#777777", Background: "#f9f9f9"}
	}
}

// Phase is a pipeline stage. PhaseNone means no generation is in progress.
type Phase string

const (
	PhaseNone      Phase = ""
	PhaseSimulate  Phase = "simulate"
	PhaseSelect    Phase = "select"
	PhaseKill      Phase = "kill"
	PhaseReproduce Phase = "reproduce"
	PhaseAdvance   Phase = "advance"
)

// Next returns the phase that follows p within a generation.
func (p Phase) Next() Phase {
	switch p {
	case PhaseSimulate:
		return PhaseSelect
	case PhaseSelect:
		return PhaseKill
	case PhaseKill:
		return PhaseReproduce
	case PhaseReproduce:
		return PhaseAdvance
	default:
		return PhaseNone
	}
}

// Processed reports whether ind needs no further work in phase p.
func (p Phase) Processed(ind Individual) bool {
	switch p {
	case PhaseSimulate:
		return ind.Simulated
	case PhaseSelect:
		return ind.NaturallySelected
	case PhaseKill:
		return ind.Outcome != OutcomeFailure
	case PhaseReproduce:
		return ind.Outcome != OutcomeSuccess
	default:
		return true
	}
}

type Control string

const (
	ControlNone      Control = ""
	ControlManual    Control = "manual"
	ControlFull      Control = "full"
	ControlAutomatic Control = "automatic"
)

type Speed string

const (
	SpeedPaced   Speed = "paced"
	SpeedInstant Speed = "instant"
)

func ParseSpeed(s string) (Speed, bool) {
	switch Speed(s) {
	case SpeedPaced, "":
		return SpeedPaced, true
	case SpeedInstant:
		return SpeedInstant, true
	default:
		return "", false
	}
}

type PipelineState struct {
	Control Control `json:"control"`
	Speed   Speed   `json:"speed"`
	Phase   Phase   `json:"phase"`
	Running bool    `json:"running"`
}

func (s PipelineState) Idle() bool {
	return s.Phase == PhaseNone
}

// GenerationRecord summarizes one completed generation.
type GenerationRecord struct {
	VersionedRecord
	PopulationID   string    `json:"population_id"`
	Generation     int       `json:"generation"`
	Size           int       `json:"size"`
	BestFitness    float64   `json:"best_fitness"`
	MeanFitness    float64   `json:"mean_fitness"`
	MinFitness     float64   `json:"min_fitness"`
	Killed         int       `json:"killed"`
	Born           int       `json:"born"`
	Dropped        int       `json:"dropped"`
	Mutated        int       `json:"mutated"`
	CompletedAtUTC time.Time `json:"completed_at_utc"`
}

// PopulationSnapshot is a copy of a population at a generation boundary.
type PopulationSnapshot struct {
	VersionedRecord
	PopulationID string       `json:"population_id"`
	Generation   int          `json:"generation"`
	Individuals  []Individual `json:"individuals"`
}
