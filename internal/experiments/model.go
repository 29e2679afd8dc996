package experiments

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Status enumerates experiment lifecycle states. Status only changes through
// the workflow engine's validated transitions.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in-progress"
	StatusReview     Status = "review"
	StatusRejected   Status = "rejected"
	StatusCompleted  Status = "completed"
	StatusLocked     Status = "locked"
)

// Technique enumerates spectrum acquisition techniques.
type Technique string

const (
	TechniqueIR    Technique = "IR"
	TechniqueNMR   Technique = "NMR"
	TechniqueMS    Technique = "MS"
	TechniqueUVVis Technique = "UV-Vis"
	TechniqueOther Technique = "other"
)

var (
	// ErrInvalidStatus indicates an unrecognized experiment status string.
	ErrInvalidStatus = errors.New("experiments: invalid status")
	// ErrInvalidTechnique indicates an unrecognized spectrum technique.
	ErrInvalidTechnique = errors.New("experiments: invalid technique")
	// ErrInvalidTag indicates a tag outside the allowed vocabulary.
	ErrInvalidTag = errors.New("experiments: invalid tag")
)

// allowedTags is the closed tag vocabulary experiments may carry.
var allowedTags = map[string]struct{}{
	"synthesis":        {},
	"analysis":         {},
	"purification":     {},
	"characterization": {},
	"optimization":     {},
	"screening":        {},
}

// ParseStatus validates a raw status string.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusDraft:
		return StatusDraft, nil
	case StatusInProgress:
		return StatusInProgress, nil
	case StatusReview:
		return StatusReview, nil
	case StatusRejected:
		return StatusRejected, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusLocked:
		return StatusLocked, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
}

// String returns the underlying status value.
func (s Status) String() string {
	return string(s)
}

// ParseTechnique validates a raw technique string.
func ParseTechnique(value string) (Technique, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "ir":
		return TechniqueIR, nil
	case "nmr":
		return TechniqueNMR, nil
	case "ms":
		return TechniqueMS, nil
	case "uv-vis", "uvvis":
		return TechniqueUVVis, nil
	case "other":
		return TechniqueOther, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTechnique, value)
	}
}

// String returns the underlying technique value.
func (t Technique) String() string {
	return string(t)
}

// ValidateTags checks every tag against the allowed vocabulary.
func ValidateTags(tags []string) error {
	for _, tag := range tags {
		if _, ok := allowedTags[strings.ToLower(strings.TrimSpace(tag))]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
		}
	}
	return nil
}

// Experiment is the record store shell of one experiment. The document store
// folder with the same handle is the authoritative file container and holds
// a parallel copy of the status; every mutator keeps the two eventually
// consistent.
type Experiment struct {
	FolderID        string         `gorm:"column:folder_id;primaryKey;size:190;not null"`
	ProjectFolderID string         `gorm:"column:project_folder_id;size:190;not null;index"`
	Code            string         `gorm:"column:code;size:64;not null;index"`
	Title           string         `gorm:"column:title;size:320;not null"`
	Objective       string         `gorm:"column:objective;type:text"`
	Hypothesis      string         `gorm:"column:hypothesis;type:text"`
	AuthorName      string         `gorm:"column:author_name;size:320"`
	AuthorEmail     string         `gorm:"column:author_email;size:320;index"`
	Status          string         `gorm:"column:status;size:32;not null;default:'draft';index"`
	Tags            datatypes.JSON `gorm:"column:tags;type:text"`
	StartedAt       *time.Time     `gorm:"column:started_at"`
	CompletedAt     *time.Time     `gorm:"column:completed_at"`
	Version         int64          `gorm:"column:version;not null;default:1"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`

	Steps    []ProtocolStep `gorm:"foreignKey:ExperimentFolderID;references:FolderID"`
	Reagents []Reagent      `gorm:"foreignKey:ExperimentFolderID;references:FolderID"`
	Yields   []Yield        `gorm:"foreignKey:ExperimentFolderID;references:FolderID"`
	Spectra  []Spectrum     `gorm:"foreignKey:ExperimentFolderID;references:FolderID"`
}

// TableName provides the explicit table binding for GORM.
func (Experiment) TableName() string {
	return "experiments"
}

// ProtocolStep is one ordered instruction in an experiment's protocol.
// Step numbers are assigned max+1 on insert; gaps after deletes are allowed.
type ProtocolStep struct {
	ID                 string    `gorm:"column:id;primaryKey;size:190;not null"`
	ExperimentFolderID string    `gorm:"column:experiment_folder_id;size:190;not null;index:idx_steps_experiment_number,priority:1"`
	StepNumber         int       `gorm:"column:step_number;not null;index:idx_steps_experiment_number,priority:2"`
	Instruction        string    `gorm:"column:instruction;type:text;not null"`
	Notes              string    `gorm:"column:notes;type:text"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ProtocolStep) TableName() string {
	return "protocol_steps"
}

// ProtocolSnapshot is an immutable versioned copy of the full ordered step
// list, captured on demand. Versions increase monotonically per experiment.
type ProtocolSnapshot struct {
	ID                 string         `gorm:"column:id;primaryKey;size:190;not null"`
	ExperimentFolderID string         `gorm:"column:experiment_folder_id;size:190;not null;uniqueIndex:idx_snapshots_experiment_version,priority:1"`
	Version            int64          `gorm:"column:version;not null;uniqueIndex:idx_snapshots_experiment_version,priority:2"`
	StepsJSON          datatypes.JSON `gorm:"column:steps_json;type:text;not null"`
	CreatedAt          time.Time      `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProtocolSnapshot) TableName() string {
	return "protocol_snapshots"
}

// Reagent is one reagent row attached to an experiment.
type Reagent struct {
	ID                 string    `gorm:"column:id;primaryKey;size:190;not null"`
	ExperimentFolderID string    `gorm:"column:experiment_folder_id;size:190;not null;index"`
	Name               string    `gorm:"column:name;size:320;not null"`
	Amount             float64   `gorm:"column:amount;not null;default:0"`
	Unit               string    `gorm:"column:unit;size:32"`
	MolarAmount        *float64  `gorm:"column:molar_amount"`
	MolarUnit          string    `gorm:"column:molar_unit;size:32"`
	Observations       string    `gorm:"column:observations;type:text"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Reagent) TableName() string {
	return "reagents"
}

// Yield records product yield for an experiment. The schema allows several
// rows but the product surface treats the latest as current.
type Yield struct {
	ID                 string    `gorm:"column:id;primaryKey;size:190;not null"`
	ExperimentFolderID string    `gorm:"column:experiment_folder_id;size:190;not null;index"`
	ProductName        string    `gorm:"column:product_name;size:320"`
	Theoretical        float64   `gorm:"column:theoretical;not null;default:0"`
	Actual             float64   `gorm:"column:actual;not null;default:0"`
	Percentage         float64   `gorm:"column:percentage;not null;default:0"`
	Unit               string    `gorm:"column:unit;size:32"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Yield) TableName() string {
	return "yields"
}

// Spectrum references an instrument file in the document store together with
// its interpretation.
type Spectrum struct {
	ID                 string         `gorm:"column:id;primaryKey;size:190;not null"`
	ExperimentFolderID string         `gorm:"column:experiment_folder_id;size:190;not null;index"`
	Technique          string         `gorm:"column:technique;size:16;not null"`
	Title              string         `gorm:"column:title;size:320"`
	Caption            string         `gorm:"column:caption;type:text"`
	FileID             string         `gorm:"column:file_id;size:512"`
	Peaks              datatypes.JSON `gorm:"column:peaks;type:text"`
	CreatedAt          time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Spectrum) TableName() string {
	return "spectra"
}

// YieldPercentage derives the percentage column: actual/theoretical*100
// rounded to two decimals, zero when theoretical is zero.
func YieldPercentage(theoretical, actual float64) float64 {
	if theoretical == 0 {
		return 0
	}
	return math.Round(actual/theoretical*100*100) / 100
}
