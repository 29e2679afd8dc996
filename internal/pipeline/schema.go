package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parkside-labs/labbook/internal/experiments"
	"github.com/parkside-labs/labbook/internal/genai"
)

// ExtractedYield is one yield candidate found in an instrument file.
type ExtractedYield struct {
	ProductName string  `json:"product_name,omitempty"`
	Theoretical float64 `json:"theoretical,omitempty"`
	Actual      float64 `json:"actual,omitempty"`
	Unit        string  `json:"unit,omitempty"`
}

// ExtractedSpectrum is one spectrum interpretation found in an instrument file.
type ExtractedSpectrum struct {
	Technique string            `json:"technique,omitempty"`
	Title     string            `json:"title,omitempty"`
	Caption   string            `json:"caption,omitempty"`
	Peaks     map[string]string `json:"peaks,omitempty"`
}

// ExtractedReagent is one reagent candidate found in an instrument file.
type ExtractedReagent struct {
	Name         string   `json:"name,omitempty"`
	Amount       float64  `json:"amount,omitempty"`
	Unit         string   `json:"unit,omitempty"`
	MolarAmount  *float64 `json:"molar_amount,omitempty"`
	MolarUnit    string   `json:"molar_unit,omitempty"`
	Observations string   `json:"observations,omitempty"`
}

// ExtractionResult is the schema-validated draft record set produced from an
// instrument file. Every member is optional: fields absent from the source
// are simply omitted. Nothing here is committed to the record store; a human
// applies reviewed items through the ordinary create operations.
type ExtractionResult struct {
	Yields   []ExtractedYield    `json:"yields,omitempty"`
	Spectra  []ExtractedSpectrum `json:"spectra,omitempty"`
	Reagents []ExtractedReagent  `json:"reagents,omitempty"`
	Notes    string              `json:"notes,omitempty"`
}

// GeneratedStep is one protocol step proposed by the model.
type GeneratedStep struct {
	Instruction    string   `json:"instruction"`
	ExpectedResult string   `json:"expected_result,omitempty"`
	Reagents       []string `json:"reagents,omitempty"`
}

// GeneratedProtocol is the schema-validated protocol draft produced from a
// free-text prompt. The pipeline never persists its steps.
type GeneratedProtocol struct {
	Title      string          `json:"title,omitempty"`
	Objective  string          `json:"objective,omitempty"`
	Hypothesis string          `json:"hypothesis,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	Steps      []GeneratedStep `json:"steps"`
}

var extractionSchema = genai.Object(map[string]*genai.Schema{
	"yields": genai.Array(genai.Object(map[string]*genai.Schema{
		"product_name": genai.String("Name of the product the yield refers to"),
		"theoretical":  genai.Number("Theoretical yield amount"),
		"actual":       genai.Number("Actual measured yield amount"),
		"unit":         genai.String("Unit of the yield amounts, e.g. g or mg"),
	})),
	"spectra": genai.Array(genai.Object(map[string]*genai.Schema{
		"technique": genai.StringEnum("Acquisition technique", "IR", "NMR", "MS", "UV-Vis", "other"),
		"title":     genai.String("Short spectrum title"),
		"caption":   genai.String("Interpretation caption"),
		"peaks": {
			Type:        "object",
			Description: "Peak label to free-text description",
		},
	})),
	"reagents": genai.Array(genai.Object(map[string]*genai.Schema{
		"name":         genai.String("Reagent name"),
		"amount":       genai.Number("Amount used"),
		"unit":         genai.String("Unit of the amount"),
		"molar_amount": genai.Number("Molar amount when stated"),
		"molar_unit":   genai.String("Unit of the molar amount"),
		"observations": genai.String("Free-text observations"),
	})),
	"notes": genai.String("Free-text notes that fit no other field"),
})

var protocolSchema = genai.Object(map[string]*genai.Schema{
	"title":      genai.String("Short protocol title"),
	"objective":  genai.String("What the procedure aims to achieve"),
	"hypothesis": genai.String("Expected outcome, when inferable"),
	"notes":      genai.String("Safety or handling notes"),
	"steps": genai.Array(genai.Object(map[string]*genai.Schema{
		"instruction":     genai.String("One imperative protocol instruction"),
		"expected_result": genai.String("Observable result expected after the step"),
		"reagents":        genai.Array(genai.String("Reagent name used in this step")),
	}, "instruction")),
}, "steps")

// decodeExtractionResult validates the raw model output against the
// extraction schema. Unknown fields and type violations are schema errors;
// wholly omitted members are not.
func decodeExtractionResult(raw json.RawMessage) (ExtractionResult, error) {
	var result ExtractionResult
	if err := strictDecode(raw, &result); err != nil {
		return ExtractionResult{}, &ExtractionSchemaError{Cause: err}
	}
	for i, spectrum := range result.Spectra {
		if spectrum.Technique == "" {
			continue
		}
		if _, err := experiments.ParseTechnique(spectrum.Technique); err != nil {
			return ExtractionResult{}, &ExtractionSchemaError{
				Cause: fmt.Errorf("spectra[%d]: %w", i, err),
			}
		}
	}
	return result, nil
}

// decodeGeneratedProtocol validates the raw model output against the
// protocol schema. At least one step with a non-empty instruction is
// required.
func decodeGeneratedProtocol(raw json.RawMessage) (GeneratedProtocol, error) {
	var protocol GeneratedProtocol
	if err := strictDecode(raw, &protocol); err != nil {
		return GeneratedProtocol{}, &ExtractionSchemaError{Cause: err}
	}
	if len(protocol.Steps) == 0 {
		return GeneratedProtocol{}, &ExtractionSchemaError{
			Cause: fmt.Errorf("steps: required array is empty"),
		}
	}
	for i, step := range protocol.Steps {
		if strings.TrimSpace(step.Instruction) == "" {
			return GeneratedProtocol{}, &ExtractionSchemaError{
				Cause: fmt.Errorf("steps[%d]: instruction is required", i),
			}
		}
	}
	return protocol, nil
}

func strictDecode(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}
