package registry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	xerrors "OpenACP-Core/internal/errors"
)

// DefaultNamingRule 要求能力名非空且不含空白字符。
var DefaultNamingRule = regexp.MustCompile(`^\S+$`)

// Validator 按配置的命名规则与可选分类表校验能力集合。
type Validator struct {
	rule     *regexp.Regexp
	taxonomy map[string]struct{}
}

// NewValidator 编译命名规则。taxonomy 非空时只接受其中列出的能力。
func NewValidator(rule string, taxonomy []string) (*Validator, error) {
	v := &Validator{rule: DefaultNamingRule}
	if strings.TrimSpace(rule) != "" {
		compiled, err := regexp.Compile(rule)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "能力命名规则无效")
		}
		v.rule = compiled
	}
	if len(taxonomy) > 0 {
		v.taxonomy = make(map[string]struct{}, len(taxonomy))
		for _, name := range taxonomy {
			v.taxonomy[name] = struct{}{}
		}
	}
	return v, nil
}

// Validate 返回去重后的能力列表，首次出现的位置保留。
func (v *Validator) Validate(capabilities []string) ([]string, error) {
	if len(capabilities) == 0 {
		return nil, xerrors.New(CodeInvalidCapabilities, "capabilities must not be empty")
	}
	seen := make(map[string]struct{}, len(capabilities))
	out := make([]string, 0, len(capabilities))
	for i, capability := range capabilities {
		if capability == "" {
			return nil, xerrors.New(CodeInvalidCapabilities, fmt.Sprintf("capability at index %d is empty", i))
		}
		if !v.rule.MatchString(capability) {
			return nil, xerrors.New(CodeInvalidCapabilities,
				fmt.Sprintf("capability %q does not match naming rule %s", capability, v.rule.String()),
				xerrors.WithMetadata("capability", capability))
		}
		if v.taxonomy != nil {
			if _, ok := v.taxonomy[capability]; !ok {
				return nil, xerrors.New(CodeInvalidCapabilities,
					fmt.Sprintf("capability %q is not part of the configured taxonomy", capability),
					xerrors.WithMetadata("capability", capability))
			}
		}
		if _, dup := seen[capability]; dup {
			continue
		}
		seen[capability] = struct{}{}
		out = append(out, capability)
	}
	return out, nil
}

// validateMetadata 只接受标量值。
func validateMetadata(metadata map[string]any) error {
	for key, value := range metadata {
		switch value.(type) {
		case nil, string, bool, json.Number,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("metadata %q must be a scalar value, got %T", key, value),
				xerrors.WithMetadata("key", key))
		}
	}
	return nil
}

func validateTrustLevel(level float64) error {
	// NaN 不满足任何比较
	if !(level >= 0 && level <= 1) {
		return xerrors.New(CodeInvalidTrustLevel, fmt.Sprintf("trust level %v is outside [0,1]", level))
	}
	return nil
}
