package graph

import "github.com/aptima-ai/aptima-framework-sub006/errors"

// ConversionType selects how a message is converted for a destination.
type ConversionType string

const (
	ConversionPerProperty ConversionType = "per_property"
	ConversionPassthrough ConversionType = "passthrough"
)

// RuleMode selects where a rule takes its value from.
type RuleMode string

const (
	ModeFromOriginal RuleMode = "from_original"
	ModeFixedValue   RuleMode = "fixed_value"
)

// NamePath is the reserved rule path addressing the message name.
const NamePath = "@name"

// Conversion is a validated, immutable conversion declaration.
type Conversion struct {
	Type         ConversionType
	KeepOriginal bool
	Rules        []Rule
}

// Rule is one validated property rule.
type Rule struct {
	Path         string
	Mode         RuleMode
	OriginalPath string
	Value        any
}

func buildConversion(def *ConversionDef) (*Conversion, error) {
	if def == nil {
		return nil, nil
	}
	conv := &Conversion{
		Type:         ConversionType(def.Type),
		KeepOriginal: def.KeepOriginal,
	}
	switch conv.Type {
	case ConversionPassthrough:
		if len(def.Rules) > 0 {
			return nil, errors.InvalidGraph("passthrough conversion cannot declare rules")
		}
		return conv, nil
	case ConversionPerProperty:
	default:
		return nil, errors.InvalidGraph("unknown conversion type %q", def.Type)
	}

	for i, r := range def.Rules {
		rule := Rule{
			Path:         r.Path,
			Mode:         RuleMode(r.ConversionMode),
			OriginalPath: r.OriginalPath,
			Value:        r.Value,
		}
		if rule.Path == "" {
			return nil, errors.InvalidGraph("conversion rule %d: empty path", i)
		}
		switch rule.Mode {
		case ModeFromOriginal:
			if rule.OriginalPath == "" {
				return nil, errors.InvalidGraph("conversion rule %d: from_original needs original_path", i)
			}
		case ModeFixedValue:
			if rule.Value == nil {
				return nil, errors.InvalidGraph("conversion rule %d: fixed_value needs value", i)
			}
		default:
			return nil, errors.InvalidGraph("conversion rule %d: unknown mode %q", i, r.ConversionMode)
		}
		conv.Rules = append(conv.Rules, rule)
	}
	return conv, nil
}
