package session

import (
	"errors"
	"fmt"
	"slices"
)

// MaxObjectives is the number of objectives forwarded to the bot.
const MaxObjectives = 5

// ScenarioMessageType is the client-message type of the scenario handoff.
const ScenarioMessageType = "scenario"

// Difficulty grades a scenario.
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "beginner"
	DifficultyIntermediate Difficulty = "intermediate"
	DifficultyAdvanced     Difficulty = "advanced"
)

// Scenario describes the practice scenario the learner picked. It is copied
// on [Core.Connect] and never modified afterwards.
type Scenario struct {
	ID          string     `json:"scenarioId"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Objectives  []string   `json:"objectives,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	AgeGroups   []string   `json:"ageGroups,omitempty"`
	Difficulty  Difficulty `json:"difficulty,omitempty"`
	EnableVideo bool       `json:"enableVideo"`
}

// Validate checks the fields the session depends on.
func (s Scenario) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("session: scenario id is required"))
	}
	switch s.Difficulty {
	case "", DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced:
	default:
		errs = append(errs, fmt.Errorf("session: unknown difficulty %q", s.Difficulty))
	}
	return errors.Join(errs...)
}

func (s Scenario) clone() Scenario {
	s.Objectives = slices.Clone(s.Objectives)
	s.Tags = slices.Clone(s.Tags)
	s.AgeGroups = slices.Clone(s.AgeGroups)
	return s
}

// ScenarioDetails is the optional descriptive part of the handoff.
type ScenarioDetails struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Objectives  []string   `json:"objectives,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	AgeGroups   []string   `json:"ageGroups,omitempty"`
	Difficulty  Difficulty `json:"difficulty,omitempty"`
}

// ScenarioPayload is the "d" of the scenario client message.
type ScenarioPayload struct {
	ScenarioID      string           `json:"scenarioId"`
	ScenarioDetails *ScenarioDetails `json:"scenarioDetails,omitempty"`
	EnableVideo     bool             `json:"enableVideo"`
}

// Payload builds the handoff payload. Objectives beyond [MaxObjectives] are
// dropped; details are omitted when the scenario has none.
func (s Scenario) Payload() ScenarioPayload {
	p := ScenarioPayload{ScenarioID: s.ID, EnableVideo: s.EnableVideo}
	d := ScenarioDetails{
		Title:       s.Title,
		Description: s.Description,
		Objectives:  s.Objectives[:min(len(s.Objectives), MaxObjectives)],
		Tags:        s.Tags,
		AgeGroups:   s.AgeGroups,
		Difficulty:  s.Difficulty,
	}
	if d.Title != "" || d.Description != "" || len(d.Objectives) > 0 ||
		len(d.Tags) > 0 || len(d.AgeGroups) > 0 || d.Difficulty != "" {
		p.ScenarioDetails = &d
	}
	return p
}
