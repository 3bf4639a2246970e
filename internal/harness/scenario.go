package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cardsync/internal/card"
)

// DefaultActor is the user the engine saves as when a scenario names none.
const DefaultActor = "local"

// DefaultRemoteActor edits cards in remote_edit steps that name no actor.
const DefaultRemoteActor = "remote"

// Scenario is a scripted sequence of edits, clock moves, failures and
// checks.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Actor is the user the engine saves as.
	Actor string `yaml:"actor,omitempty"`

	// Steps run in order. Each holds exactly one action.
	Steps []Step `yaml:"steps"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	Seed        []card.Card                `yaml:"seed,omitempty"`
	Queue       *QueueStep                 `yaml:"queue,omitempty"`
	Advance     *time.Duration             `yaml:"advance,omitempty"`
	RemoteEdit  *RemoteEditStep            `yaml:"remote_edit,omitempty"`
	FailNetwork *int                       `yaml:"fail_network,omitempty"`
	ForceSave   bool                       `yaml:"force_save,omitempty"`
	Resolve     map[string]card.Resolution `yaml:"resolve,omitempty"`

	ExpectStatus    *StatusExpectation `yaml:"expect_status,omitempty"`
	ExpectConflicts *[]string          `yaml:"expect_conflicts,omitempty"`
	ExpectRequests  *int               `yaml:"expect_requests,omitempty"`
	ExpectCard      *CardExpectation   `yaml:"expect_card,omitempty"`
}

// QueueStep queues a local change.
type QueueStep struct {
	Card     string        `yaml:"card"`
	Priority card.Priority `yaml:"priority"`
	Patch    card.Patch    `yaml:"patch"`
}

// RemoteEditStep writes fields as another user.
type RemoteEditStep struct {
	Card  string     `yaml:"card"`
	Actor string     `yaml:"actor,omitempty"`
	Patch card.Patch `yaml:"patch"`
}

// StatusExpectation checks the engine status. Reason, when set, must be a
// substring of the status reason.
//
// In YAML it is either a bare state ("expect_status: idle") or a mapping
// with state and reason.
type StatusExpectation struct {
	State  card.State `yaml:"state"`
	Reason string     `yaml:"reason,omitempty"`
}

// UnmarshalYAML accepts a bare state or a mapping.
func (s *StatusExpectation) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s.State = card.State(value.Value)
		return nil
	}
	type plain StatusExpectation
	return value.Decode((*plain)(s))
}

// CardExpectation checks a card in the store. Fields is a subset match; a
// zero Version is not checked.
type CardExpectation struct {
	Card    string         `yaml:"card"`
	Version int64          `yaml:"version,omitempty"`
	Fields  map[string]any `yaml:"fields,omitempty"`
}

// Step kinds, as written in YAML.
const (
	StepSeed            = "seed"
	StepQueue           = "queue"
	StepAdvance         = "advance"
	StepRemoteEdit      = "remote_edit"
	StepFailNetwork     = "fail_network"
	StepForceSave       = "force_save"
	StepResolve         = "resolve"
	StepExpectStatus    = "expect_status"
	StepExpectConflicts = "expect_conflicts"
	StepExpectRequests  = "expect_requests"
	StepExpectCard      = "expect_card"
)

// kinds lists the actions set on the step.
func (s *Step) kinds() []string {
	var out []string
	add := func(set bool, kind string) {
		if set {
			out = append(out, kind)
		}
	}
	add(s.Seed != nil, StepSeed)
	add(s.Queue != nil, StepQueue)
	add(s.Advance != nil, StepAdvance)
	add(s.RemoteEdit != nil, StepRemoteEdit)
	add(s.FailNetwork != nil, StepFailNetwork)
	add(s.ForceSave, StepForceSave)
	add(s.Resolve != nil, StepResolve)
	add(s.ExpectStatus != nil, StepExpectStatus)
	add(s.ExpectConflicts != nil, StepExpectConflicts)
	add(s.ExpectRequests != nil, StepExpectRequests)
	add(s.ExpectCard != nil, StepExpectCard)
	return out
}

// Kind returns the step's action, or "" if it does not hold exactly one.
func (s *Step) Kind() string {
	k := s.kinds()
	if len(k) != 1 {
		return ""
	}
	return k[0]
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or fails validation.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Actor == "" {
		scenario.Actor = DefaultActor
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i := range s.Steps {
		if err := validateStep(&s.Steps[i]); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Step) error {
	switch k := s.kinds(); len(k) {
	case 0:
		return fmt.Errorf("step has no action")
	case 1:
	default:
		return fmt.Errorf("step has several actions: %s", strings.Join(k, ", "))
	}

	switch {
	case s.Seed != nil:
		if len(s.Seed) == 0 {
			return fmt.Errorf("seed: at least one card is required")
		}
		for i, c := range s.Seed {
			if c.ID == "" {
				return fmt.Errorf("seed[%d]: id is required", i)
			}
		}
	case s.Queue != nil:
		if s.Queue.Card == "" {
			return fmt.Errorf("queue: card is required")
		}
		if !s.Queue.Priority.Valid() {
			return fmt.Errorf("queue: priority is required")
		}
		if len(s.Queue.Patch) == 0 {
			return fmt.Errorf("queue: patch is required")
		}
	case s.Advance != nil:
		if *s.Advance < 0 {
			return fmt.Errorf("advance: duration must not be negative")
		}
	case s.RemoteEdit != nil:
		if s.RemoteEdit.Card == "" {
			return fmt.Errorf("remote_edit: card is required")
		}
		if len(s.RemoteEdit.Patch) == 0 {
			return fmt.Errorf("remote_edit: patch is required")
		}
	case s.FailNetwork != nil:
		if *s.FailNetwork < 1 {
			return fmt.Errorf("fail_network: count must be at least 1")
		}
	case s.Resolve != nil:
		for id, res := range s.Resolve {
			if res.Choice != "" && !res.Choice.Valid() {
				return fmt.Errorf("resolve: card %s has invalid choice %q", id, res.Choice)
			}
			if res.Choice == "" && len(res.Fields) == 0 {
				return fmt.Errorf("resolve: card %s has no choice", id)
			}
		}
	case s.ExpectStatus != nil:
		switch s.ExpectStatus.State {
		case card.StateIdle, card.StatePending, card.StateSaving,
			card.StateSaved, card.StateConflict, card.StateError:
		default:
			return fmt.Errorf("expect_status: unknown state %q", s.ExpectStatus.State)
		}
	case s.ExpectConflicts != nil:
		for _, c := range *s.ExpectConflicts {
			if id, field, ok := strings.Cut(c, "."); !ok || id == "" || field == "" {
				return fmt.Errorf("expect_conflicts: %q is not card.field", c)
			}
		}
	case s.ExpectRequests != nil:
		if *s.ExpectRequests < 0 {
			return fmt.Errorf("expect_requests: count must be non-negative")
		}
	case s.ExpectCard != nil:
		if s.ExpectCard.Card == "" {
			return fmt.Errorf("expect_card: card is required")
		}
	}
	return nil
}
