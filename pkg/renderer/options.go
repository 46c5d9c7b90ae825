package renderer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/platinummonkey/modulo/pkg/pluginerrors"
)

var validate = validator.New()

// Messages shown for option problems
const (
	MsgOptionRequired = "This option is required"
	MsgOptionUnknown  = "Unknown option"
	MsgNotNumber      = "Must be a number"
	MsgNotInteger     = "Must be a whole number"
	MsgNotBool        = "Must be true or false"
	MsgNotString      = "Must be text"
)

// validateOptions checks options against their declarations and returns a copy with
// defaults applied
func validateOptions(specs []OptionSpec, options map[string]interface{}) (map[string]interface{}, *pluginerrors.ValidationError) {
	errs := pluginerrors.NewValidationError()
	out := make(map[string]interface{}, len(specs))

	known := make(map[string]bool, len(specs))
	for _, opt := range specs {
		known[opt.Name] = true

		v, present := options[opt.Name]
		if !present || v == nil {
			if opt.Default != nil {
				out[opt.Name] = opt.Default
			} else if opt.Required {
				errs.Add(opt.Name, MsgOptionRequired)
			}
			continue
		}

		value, msg := opt.check(v)
		if msg != "" {
			errs.Add(opt.Name, msg)
			continue
		}
		out[opt.Name] = value
	}

	unknown := make([]string, 0)
	for name := range options {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs.Add(name, MsgOptionUnknown)
	}
	return out, errs
}

// check coerces v to the option type and applies its bounds
func (s OptionSpec) check(v interface{}) (interface{}, string) {
	switch s.Type {
	case OptionBool:
		b, ok := v.(bool)
		if !ok {
			return nil, MsgNotBool
		}
		return b, ""

	case OptionInt, OptionNumber:
		f, ok := toFloat(v)
		if !ok {
			return nil, MsgNotNumber
		}
		if s.Type == OptionInt && f != math.Trunc(f) {
			return nil, MsgNotInteger
		}
		if msg := bounded(f, s.numberTag()); msg != "" {
			return nil, msg
		}
		if s.Type == OptionInt {
			return int64(f), ""
		}
		return f, ""

	case OptionEnum:
		str, ok := v.(string)
		if !ok {
			return nil, MsgNotString
		}
		if msg := bounded(str, "oneof="+strings.Join(s.Values, " ")); msg != "" {
			return nil, msg
		}
		return str, ""

	default:
		str, ok := v.(string)
		if !ok {
			return nil, MsgNotString
		}
		if s.MaxLength > 0 {
			if msg := bounded(str, "max="+strconv.Itoa(s.MaxLength)); msg != "" {
				return nil, msg
			}
		}
		return str, ""
	}
}

func (s OptionSpec) numberTag() string {
	var tags []string
	if s.Min != nil {
		tags = append(tags, "gte="+formatBound(*s.Min))
	}
	if s.Max != nil {
		tags = append(tags, "lte="+formatBound(*s.Max))
	}
	return strings.Join(tags, ",")
}

// bounded runs a validator tag against v and returns the message for the
// first failure
func bounded(v interface{}, tag string) string {
	if tag == "" {
		return ""
	}
	err := validate.Var(v, tag)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid value"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "gte":
		return "Must be at least " + fe.Param()
	case "lte":
		return "Must be at most " + fe.Param()
	case "max":
		return "Must be at most " + fe.Param() + " characters"
	case "oneof":
		return "Must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return "Invalid value"
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// validateSpecs rejects option declarations that cannot be checked
func validateSpecs(id string, specs []OptionSpec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return fmt.Errorf("renderer %s declares an option without a name", id)
		}
		if seen[s.Name] {
			return fmt.Errorf("renderer %s declares option %s twice", id, s.Name)
		}
		seen[s.Name] = true
		switch s.Type {
		case OptionString, OptionInt, OptionNumber, OptionBool:
		case OptionEnum:
			if len(s.Values) == 0 {
				return fmt.Errorf("renderer %s option %s has no values", id, s.Name)
			}
		default:
			return fmt.Errorf("renderer %s option %s has unknown type %q", id, s.Name, s.Type)
		}
		if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
			return fmt.Errorf("renderer %s option %s has min above max", id, s.Name)
		}
	}
	return nil
}
