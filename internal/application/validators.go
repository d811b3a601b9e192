package application

import (
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-redistrict/infrastructure/logging"
	"github.com/ahrav/go-redistrict/infrastructure/units"
	"github.com/ahrav/go-redistrict/internal/ports"
)

// stageBuilders maps each stage type to the constructor that decodes and
// validates its parameters.
var stageBuilders = map[string]func(id string, config map[string]any, logger *logging.Logger) (ports.Unit, error){
	StageNormalize: units.NewNormalizeFromConfig,
	StageRemap:     units.NewRemapFromConfig,
	StageAggregate: units.NewAggregateFromConfig,
	StageBaseline:  units.NewBaselineFromConfig,
	StageAllocate:  units.NewAllocateFromConfig,
	StagePvi:       units.NewPviFromConfig,
}

// decodeParameters converts a parameters node into a map. An absent node
// decodes to an empty map.
func decodeParameters(params yaml.Node) (map[string]any, error) {
	paramMap := make(map[string]any)
	if params.IsZero() {
		return paramMap, nil
	}
	if err := params.Decode(&paramMap); err != nil {
		return nil, fmt.Errorf("failed to decode parameters: %w", err)
	}
	if paramMap == nil {
		paramMap = make(map[string]any)
	}
	return paramMap, nil
}

// ValidateUnitParameters validates the parameters for a stage type by
// decoding them into that stage's configuration struct, so unknown keys,
// out-of-range values, and invalid policy tables are all rejected here
// rather than at run time.
func ValidateUnitParameters(unitType string, params yaml.Node) error {
	paramMap, err := decodeParameters(params)
	if err != nil {
		return err
	}

	build, ok := stageBuilders[unitType]
	if !ok {
		return fmt.Errorf("unknown unit type: %s", unitType)
	}
	unit, err := build("validate", paramMap, logging.Nop())
	if err != nil {
		return err
	}
	return unit.Validate()
}

// RegisterGraphValidators registers custom validation functions with
// the validator instance for use in engine configuration validation.
func RegisterGraphValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("semver", validateSemver); err != nil {
		return fmt.Errorf("failed to register semver validator: %w", err)
	}
	if err := v.RegisterValidation("stagetype", validateStageType); err != nil {
		return fmt.Errorf("failed to register stagetype validator: %w", err)
	}
	return nil
}

// validateStageType accepts only the known stage type names.
func validateStageType(fl validator.FieldLevel) bool {
	return slices.Contains(StageTypes, fl.Field().String())
}

// validateSemver validates that a string follows semantic versioning
// format (X.Y.Z where X, Y, Z are non-negative integers).
func validateSemver(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	var major, minor, patch int
	n, err := fmt.Sscanf(value, "%d.%d.%d", &major, &minor, &patch)
	if err != nil || n != 3 || major < 0 || minor < 0 || patch < 0 {
		return false
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch) == value
}
