package dispatch

import (
	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/graph"
	"github.com/aptima-ai/aptima-framework-sub006/message"
)

// Convert applies a conversion declaration to msg and returns the result.
// msg itself is never modified. A nil or passthrough conversion returns a
// plain clone.
//
// per_property starts from a clone of msg, or from a clone with an empty
// property bag when keep_original is false, then applies each rule in order.
// A from_original rule whose source path is absent is skipped. The reserved
// path "@name" reads or writes the message name.
func Convert(conv *graph.Conversion, msg message.Message) (message.Message, error) {
	out := msg.Clone()
	if conv == nil || conv.Type == graph.ConversionPassthrough {
		return out, nil
	}

	orig := msg.Head()
	head := out.Head()
	if !conv.KeepOriginal {
		head.Properties = nil
	}

	for _, rule := range conv.Rules {
		var value any
		switch rule.Mode {
		case graph.ModeFixedValue:
			value = rule.Value
		case graph.ModeFromOriginal:
			if rule.OriginalPath == graph.NamePath {
				value = orig.Name
				break
			}
			v, ok := orig.Property(rule.OriginalPath)
			if !ok {
				continue
			}
			value = v
		default:
			return nil, errors.InvalidArgument("unknown conversion mode %q", rule.Mode)
		}

		if rule.Path == graph.NamePath {
			name, ok := value.(string)
			if !ok {
				return nil, errors.InvalidArgument("conversion of %q: @name must be a string, got %T", orig.Name, value)
			}
			head.Name = name
			continue
		}
		if err := head.SetProperty(rule.Path, message.CloneValue(value)); err != nil {
			return nil, errors.Wrapf(err, "conversion of %q", orig.Name)
		}
	}
	return out, nil
}
