package racing

import (
	"encoding/json"
	"time"
)

// StartTime is an explicit known/missing pair for a race's advertised start.
// Scheduling code must branch on Known instead of defaulting to the current
// time; a substituted "now" silently breaks the result-check schedule.
type StartTime struct {
	ts    time.Time
	known bool
}

// StartAt wraps a known start time, normalised to UTC.
func StartAt(t time.Time) StartTime {
	return StartTime{ts: t.UTC(), known: true}
}

// MissingStart represents a race whose start time could not be parsed.
func MissingStart() StartTime {
	return StartTime{}
}

// Known returns the start time and whether it is present.
func (s StartTime) Known() (time.Time, bool) {
	return s.ts, s.known
}

// MinutesUntil reports minutes from now until the start. Callers must have
// checked Known first; a missing start yields a large negative value.
func (s StartTime) MinutesUntil(now time.Time) float64 {
	return s.ts.Sub(now).Minutes()
}

// MarshalJSON encodes the start as an RFC3339 UTC string, or null when missing.
func (s StartTime) MarshalJSON() ([]byte, error) {
	if !s.known {
		return []byte("null"), nil
	}
	return json.Marshal(s.ts.UTC().Format(time.RFC3339))
}

// UnmarshalJSON accepts null or an RFC3339 string.
func (s *StartTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = MissingStart()
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		*s = MissingStart()
		return nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return err
	}
	*s = StartAt(ts)
	return nil
}
