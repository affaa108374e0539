package source

import (
	"context"

	"race-agents/internal/racing"
)

// EventSource is the pipeline's view of the race data provider.
type EventSource interface {
	// ListUpcoming returns the next races across all meetings.
	ListUpcoming(ctx context.Context) ([]racing.Race, error)
	// FetchResult returns the settled result for a race, or nil when the
	// source has not published one yet.
	FetchResult(ctx context.Context, raceID string) (*racing.RaceResult, error)
}
