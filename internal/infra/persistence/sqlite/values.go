package sqlite

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

const storedTimestamp = "2006-01-02 15:04:05.000000"

// Layouts seen in warehouse files written by this package and by earlier
// SQLAlchemy-based ingests.
var timestampLayouts = []string{
	storedTimestamp,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(storedTimestamp)
}

func parseTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case []byte:
		return parseTimestamp(string(x))
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

func parseDate(v any) (civil.Date, error) {
	switch x := v.(type) {
	case time.Time:
		return civil.DateOf(x), nil
	case []byte:
		return parseDate(string(x))
	case string:
		s := strings.TrimSpace(x)
		if len(s) > 10 {
			s = s[:10]
		}
		return civil.ParseDate(s)
	case nil:
		return civil.Date{}, fmt.Errorf("missing date")
	default:
		return civil.Date{}, fmt.Errorf("unexpected date type %T", v)
	}
}

func parseClock(v any) (*civil.Time, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := civil.TimeOf(x)
		return &t, nil
	case []byte:
		return parseClock(string(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		t, err := civil.ParseTime(s)
		if err != nil {
			return nil, err
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("unexpected time type %T", v)
	}
}

func parseBool(v any) (*bool, error) {
	var b bool
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool:
		b = x
	case int64:
		b = x != 0
	case []byte:
		return parseBool(string(x))
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, err
		}
		b = parsed
	default:
		return nil, fmt.Errorf("unexpected bool type %T", v)
	}
	return &b, nil
}
