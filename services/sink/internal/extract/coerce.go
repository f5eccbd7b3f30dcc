package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sakashimaa/go-telemetry-sink/services/sink/internal/pipeline"
)

var errNotCoercible = errors.New("value not coercible")

// epoch values above this are taken as milliseconds when no format is declared.
const millisThreshold = 1e11

// Coerce converts a decoded JSON value to the Go type used for the column:
// bool, int64, float64, string or time.Time.
func Coerce(value any, t pipeline.FieldType, format pipeline.TimeFormat) (any, error) {
	switch t {
	case pipeline.TypeBool:
		return toBool(value)
	case pipeline.TypeInt:
		return toInt(value)
	case pipeline.TypeFloat:
		return toFloat(value)
	case pipeline.TypeString:
		return toString(value)
	case pipeline.TypeTimestamp:
		return ParseTime(value, format)
	}

	return nil, fmt.Errorf("unknown field type %q", t)
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return false, errNotCoercible
		}
		return f != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "on":
			return true, nil
		case "off":
			return false, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, errNotCoercible
		}
		return b, nil
	}

	return false, errNotCoercible
}

func toInt(value any) (int64, error) {
	switch v := value.(type) {
	case json.Number:
		return numberToInt(string(v))
	case string:
		return numberToInt(strings.TrimSpace(v))
	}

	return 0, errNotCoercible
}

func numberToInt(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, errNotCoercible
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, errNotCoercible
	}

	return int64(f), nil
}

func toFloat(value any) (float64, error) {
	var s string
	switch v := value.(type) {
	case json.Number:
		s = string(v)
	case string:
		s = strings.TrimSpace(v)
	default:
		return 0, errNotCoercible
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotCoercible
	}

	return f, nil
}

func toString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return "", errNotCoercible
		}
		return string(data), nil
	}

	return "", errNotCoercible
}

// ParseTime parses value under format. An empty format accepts RFC3339 strings
// and epoch numbers, picking seconds or milliseconds by magnitude.
func ParseTime(value any, format pipeline.TimeFormat) (time.Time, error) {
	switch format {
	case pipeline.FormatRFC3339:
		s, ok := value.(string)
		if !ok {
			return time.Time{}, errNotCoercible
		}
		return parseRFC3339(s)
	case pipeline.FormatEpochSeconds:
		f, err := toFloat(value)
		if err != nil {
			return time.Time{}, err
		}
		return fromEpoch(f, time.Second)
	case pipeline.FormatEpochMillis:
		f, err := toFloat(value)
		if err != nil {
			return time.Time{}, err
		}
		return fromEpoch(f, time.Millisecond)
	case "":
		if s, ok := value.(string); ok {
			if t, err := parseRFC3339(s); err == nil {
				return t, nil
			}
		}

		f, err := toFloat(value)
		if err != nil {
			return time.Time{}, err
		}
		if math.Abs(f) > millisThreshold {
			return fromEpoch(f, time.Millisecond)
		}
		return fromEpoch(f, time.Second)
	}

	return time.Time{}, fmt.Errorf("unknown time format %q", format)
}

func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, errNotCoercible
	}

	return t.UTC(), nil
}

// fromEpoch rejects values whose nanosecond count does not fit in an int64,
// roughly years 1678 to 2262.
func fromEpoch(value float64, unit time.Duration) (time.Time, error) {
	if math.Abs(value) >= float64(math.MaxInt64/int64(unit)) {
		return time.Time{}, errNotCoercible
	}

	whole, frac := math.Modf(value)
	nanos := int64(whole)*int64(unit) + int64(frac*float64(unit))

	return time.Unix(0, nanos).UTC(), nil
}
