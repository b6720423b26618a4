package manifest

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/petal-labs/toolcatalog/catalog"
)

// Severity defines diagnostic severity produced by validators.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic codes.
const (
	DiagRequired         = "REQUIRED"
	DiagDuplicateID      = "DUPLICATE_ID"
	DiagDanglingCategory = "DANGLING_CATEGORY"
	DiagInvalidID        = "INVALID_ID"
	DiagSchemaVersion    = "SCHEMA_VERSION"
	DiagInvalidURI       = "INVALID_URI"
)

var validIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Diagnostic is a structured validation finding.
type Diagnostic struct {
	Field    string   `json:"field,omitempty"`
	Code     string   `json:"code,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s %s: %s (%s)", d.Severity, d.Field, d.Message, d.Code)
}

// Validator inspects a manifest and reports findings.
type Validator interface {
	ValidateManifest(m Manifest) []Diagnostic
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(m Manifest) []Diagnostic

// ValidateManifest calls f.
func (f ValidatorFunc) ValidateManifest(m Manifest) []Diagnostic {
	return f(m)
}

// Result aggregates diagnostics from one or more validation passes.
type Result struct {
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// HasErrors returns true when at least one error-severity diagnostic exists.
func (r Result) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns the error-severity diagnostics.
func (r Result) Errors() []Diagnostic {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity diagnostics.
func (r Result) Warnings() []Diagnostic {
	return r.filter(SeverityWarning)
}

func (r Result) filter(sev Severity) []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == sev {
			out = append(out, d)
		}
	}
	return out
}

// Pipeline composes manifest validators.
type Pipeline struct {
	validators []Validator
}

// Add appends a validator to the pipeline.
func (p *Pipeline) Add(v Validator) {
	p.validators = append(p.validators, v)
}

// Run executes every validator and aggregates findings.
func (p Pipeline) Run(m Manifest) Result {
	result := Result{Diagnostics: make([]Diagnostic, 0)}
	for _, v := range p.validators {
		result.Diagnostics = append(result.Diagnostics, v.ValidateManifest(m)...)
	}
	return result
}

// DefaultPipeline returns the validators applied to every fetched manifest.
func DefaultPipeline() Pipeline {
	var p Pipeline
	p.Add(ValidatorFunc(validateSchemaVersion))
	p.Add(ValidatorFunc(validateCategories))
	p.Add(ValidatorFunc(validateTools))
	return p
}

// Check runs the default pipeline and returns all diagnostics.
func Check(m Manifest) Result {
	return DefaultPipeline().Run(m)
}

// Validate rejects duplicate tool ids, dangling category references and
// missing required fields. It has no side effects.
func Validate(m Manifest) error {
	result := Check(m)
	if !result.HasErrors() {
		return nil
	}
	return validationError(result)
}

func validationError(result Result) *catalog.Error {
	errs := result.Errors()
	msg := fmt.Sprintf("manifest has %d error(s)", len(errs))
	if len(errs) > 0 {
		msg = fmt.Sprintf("%s; first: %s: %s", msg, errs[0].Field, errs[0].Message)
	}
	return catalog.NewError(catalog.CodeValidation, msg, false, nil).
		WithDetails(map[string]any{"diagnostics": result.Diagnostics})
}

func validateSchemaVersion(m Manifest) []Diagnostic {
	version := strings.TrimSpace(m.SchemaVersion)
	if version == "" {
		return []Diagnostic{errorDiag("schemaVersion", DiagRequired, "is required")}
	}
	if schemaMajor(version) != schemaMajor(SchemaVersionV1) {
		return []Diagnostic{errorDiag("schemaVersion", DiagSchemaVersion,
			fmt.Sprintf("unsupported schema version %q (want %s.x)", version, schemaMajor(SchemaVersionV1)))}
	}
	return nil
}

func validateCategories(m Manifest) []Diagnostic {
	var diags []Diagnostic
	seen := make(map[string]int, len(m.Categories))
	for i, c := range m.Categories {
		field := fmt.Sprintf("categories[%d]", i)
		if strings.TrimSpace(c.ID) == "" {
			diags = append(diags, errorDiag(field+".id", DiagRequired, "is required"))
		} else if prev, dup := seen[c.ID]; dup {
			diags = append(diags, errorDiag(field+".id", DiagDuplicateID,
				fmt.Sprintf("category id %q duplicates categories[%d]", c.ID, prev)))
		} else {
			seen[c.ID] = i
		}
		if strings.TrimSpace(c.Name) == "" {
			diags = append(diags, errorDiag(field+".name", DiagRequired, "is required"))
		}
	}
	return diags
}

func validateTools(m Manifest) []Diagnostic {
	var diags []Diagnostic
	categories := make(map[string]struct{}, len(m.Categories))
	for _, c := range m.Categories {
		categories[c.ID] = struct{}{}
	}

	seen := make(map[string]int, len(m.Tools))
	for i, t := range m.Tools {
		field := fmt.Sprintf("tools[%d]", i)

		switch {
		case strings.TrimSpace(t.ID) == "":
			diags = append(diags, errorDiag(field+".id", DiagRequired, "is required"))
		case !validIDPattern.MatchString(t.ID):
			diags = append(diags, errorDiag(field+".id", DiagInvalidID,
				fmt.Sprintf("tool id %q must match %s", t.ID, validIDPattern.String())))
		}
		if t.ID != "" {
			if prev, dup := seen[t.ID]; dup {
				diags = append(diags, errorDiag(field+".id", DiagDuplicateID,
					fmt.Sprintf("tool id %q duplicates tools[%d]", t.ID, prev)))
			} else {
				seen[t.ID] = i
			}
		}

		for _, req := range []struct{ name, value string }{
			{"name", t.Name},
			{"categoryId", t.CategoryID},
			{"payloadRef", t.PayloadRef},
			{"version", t.Version},
		} {
			if strings.TrimSpace(req.value) == "" {
				diags = append(diags, errorDiag(field+"."+req.name, DiagRequired, "is required"))
			}
		}

		if t.CategoryID != "" {
			if _, ok := categories[t.CategoryID]; !ok {
				diags = append(diags, errorDiag(field+".categoryId", DiagDanglingCategory,
					fmt.Sprintf("category %q does not exist", t.CategoryID)))
			}
		}

		if ref := strings.TrimSpace(t.DocumentationRef); ref != "" {
			if u, err := url.Parse(ref); err != nil || u.Scheme == "" {
				diags = append(diags, Diagnostic{
					Field:    field + ".documentationRef",
					Code:     DiagInvalidURI,
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("%q is not an absolute URI", ref),
				})
			}
		}
	}
	return diags
}

func errorDiag(field, code, message string) Diagnostic {
	return Diagnostic{
		Field:    field,
		Code:     code,
		Severity: SeverityError,
		Message:  message,
	}
}
