package remote

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ChuLiYu/vidgen-lane/pkg/types"
)

// Values accepted by the video API.
var (
	SupportedResolutions = []string{"1280x720", "720x1280", "1792x1024", "1024x1792"}
	SupportedDurations   = []int{4, 8, 12}
	SupportedModels      = []string{"sora-2"}
)

// DefaultParameters fills unset fields with the "Standard" preset.
func DefaultParameters(p types.Parameters) types.Parameters {
	if p.Model == "" {
		p.Model = SupportedModels[0]
	}
	if p.Resolution == "" {
		p.Resolution = "1280x720"
	}
	if p.Duration == 0 {
		p.Duration = 8
	}
	return p
}

// Validate rejects malformed submissions before a job record exists.
// Every problem is reported; the error wraps ErrValidation.
func Validate(kind types.Kind, input types.Input, params types.Parameters) error {
	var problems []string

	switch kind {
	case types.KindTextToVideo:
		if strings.TrimSpace(input.Prompt) == "" {
			problems = append(problems, "prompt is required")
		}
	case types.KindImageToVideo:
		if strings.TrimSpace(input.ImagePath) == "" {
			problems = append(problems, "image is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown kind %q", kind))
	}

	if !slices.Contains(SupportedResolutions, params.Resolution) {
		problems = append(problems, fmt.Sprintf("invalid resolution: %s", params.Resolution))
	}
	if !slices.Contains(SupportedDurations, params.Duration) {
		problems = append(problems, fmt.Sprintf("invalid duration: %d", params.Duration))
	}
	if !slices.Contains(SupportedModels, params.Model) {
		problems = append(problems, fmt.Sprintf("invalid model: %s", params.Model))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}
