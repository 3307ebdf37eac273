package service

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
)

// Supported schema versions are [MinSchemaVersion, MaxSchemaVersion).
const (
	MinSchemaVersion = "v1.0.0"
	MaxSchemaVersion = "v2.0.0"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("schema_version", func(fl validator.FieldLevel) bool {
		return CheckSchemaVersion(fl.Field().String()) == nil
	})
	_ = validate.RegisterValidation("service_id", func(fl validator.FieldLevel) bool {
		return ValidID(fl.Field().String())
	})
}

// ValidID reports whether id can name a service: non-empty, without
// whitespace, control characters or '/'.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r == '/' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// CheckSchemaVersion reports whether v is a full semantic version in the supported range.
// A leading "v" is optional.
func CheckSchemaVersion(v string) error {
	canon := "v" + strings.TrimPrefix(strings.TrimSpace(v), "v")
	if !semver.IsValid(canon) {
		return fmt.Errorf("meta.version %q is not a semantic version", v)
	}
	core, _, _ := strings.Cut(canon, "+")
	core, _, _ = strings.Cut(core, "-")
	if strings.Count(core, ".") != 2 {
		return fmt.Errorf("meta.version %q must have major, minor and patch", v)
	}
	if semver.Compare(canon, MinSchemaVersion) < 0 || semver.Compare(canon, MaxSchemaVersion) >= 0 {
		return fmt.Errorf("meta.version %q is outside the supported range >=%s, <%s", v, MinSchemaVersion[1:], MaxSchemaVersion[1:])
	}
	return nil
}

// Validate checks a single record. Cross-record references are checked by the graph.
func Validate(r Record) error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("service %q: %s", r.ID, describe(verrs))
		}
		return fmt.Errorf("service %q: %w", r.ID, err)
	}
	if r.Termination != nil {
		if err := r.Termination.validate(); err != nil {
			return fmt.Errorf("service %q: termination: %w", r.ID, err)
		}
	}
	if err := r.Diagnosis.validate(); err != nil {
		return fmt.Errorf("service %q: %w", r.ID, err)
	}
	for _, id := range r.Dependencies() {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("service %q: empty id in start.dependencies", r.ID)
		}
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Record.")
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "schema_version":
			parts = append(parts, CheckSchemaVersion(fmt.Sprint(fe.Value())).Error())
		case "service_id":
			parts = append(parts, fmt.Sprintf("%s %q may not contain whitespace or '/'", field, fe.Value()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %q validation", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
