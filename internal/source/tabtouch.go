package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"race-agents/internal/racing"
)

const (
	nextRacesPath = "/next-races"
	resultPath    = "/races/%s/result"
)

// TabTouchOptions parameterise the TabTouch-style API client.
type TabTouchOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// TabTouch fetches race cards and settled results over HTTP.
type TabTouch struct {
	opts    TabTouchOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewTabTouch constructs a TabTouch source client.
func NewTabTouch(opts TabTouchOptions, logger zerolog.Logger) *TabTouch {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &TabTouch{
		opts:    opts,
		logger:  logger.With().Str("component", "tabtouch_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// ListUpcoming fetches the next-races list, horse racing only.
func (t *TabTouch) ListUpcoming(ctx context.Context) ([]racing.Race, error) {
	if t.baseURL == "" {
		return nil, errors.New("source base url not configured")
	}

	payload, err := t.get(ctx, t.baseURL+nextRacesPath+"?type=races")
	if err != nil {
		return nil, err
	}

	var res nextRacesResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode next races: %w", err)
	}

	races := make([]racing.Race, 0, len(res.Races))
	for _, dto := range res.Races {
		races = append(races, dto.toRace())
	}
	return races, nil
}

// FetchResult fetches the settled result for one race. A 404 or an empty
// finishing order means the result has not been published yet: (nil, nil).
func (t *TabTouch) FetchResult(ctx context.Context, raceID string) (*racing.RaceResult, error) {
	if t.baseURL == "" {
		return nil, errors.New("source base url not configured")
	}

	endpoint := t.baseURL + fmt.Sprintf(resultPath, url.PathEscape(raceID))
	payload, err := t.get(ctx, endpoint)
	if err != nil {
		var httpErr *statusError
		if errors.As(err, &httpErr) && httpErr.status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var dto resultDTO
	if err := json.Unmarshal(payload, &dto); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}

	result := dto.toResult(raceID)
	if !result.Settled() {
		return nil, nil
	}
	return result, nil
}

func (t *TabTouch) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(t.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "racewatcher/1.0")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode, body: payload}
	}
	return payload, nil
}

type statusError struct {
	status int
	body   []byte
}

func (e *statusError) Error() string {
	if len(e.body) > 0 {
		return fmt.Sprintf("source api error (%d): %s", e.status, strings.TrimSpace(string(e.body)))
	}
	return fmt.Sprintf("source api error (%d)", e.status)
}

type nextRacesResponse struct {
	Races []raceDTO `json:"races"`
}

type raceDTO struct {
	ID        string      `json:"id"`
	Course    string      `json:"course"`
	Number    int         `json:"number"`
	Name      string      `json:"name"`
	Distance  string      `json:"distance"`
	Going     string      `json:"going"`
	StartTime string      `json:"start_time"`
	URL       string      `json:"url"`
	Runners   []runnerDTO `json:"runners"`
}

type runnerDTO struct {
	Number     int             `json:"number"`
	Name       string          `json:"name"`
	Barrier    string          `json:"barrier"`
	Weight     string          `json:"weight"`
	Jockey     string          `json:"jockey"`
	Trainer    string          `json:"trainer"`
	Form       string          `json:"form"`
	FixedWin   decimal.Decimal `json:"fixed_win"`
	FixedPlace decimal.Decimal `json:"fixed_place"`
	ToteWin    decimal.Decimal `json:"tote_win"`
	TotePlace  decimal.Decimal `json:"tote_place"`
}

func (d raceDTO) toRace() racing.Race {
	race := racing.Race{
		ID:        d.ID,
		Course:    d.Course,
		Number:    d.Number,
		Name:      d.Name,
		Distance:  d.Distance,
		Going:     d.Going,
		Start:     racing.MissingStart(),
		SourceURL: d.URL,
	}
	if d.ID == "" {
		// Stable fallback key: course plus race number.
		race.ID = fmt.Sprintf("%s-r%d", strings.ToLower(strings.ReplaceAll(d.Course, " ", "-")), d.Number)
	}
	if ts, err := time.Parse(time.RFC3339, d.StartTime); err == nil {
		race.Start = racing.StartAt(ts)
	}
	for _, r := range d.Runners {
		race.Runners = append(race.Runners, racing.Runner{
			Number:     r.Number,
			Name:       r.Name,
			Barrier:    r.Barrier,
			Weight:     r.Weight,
			Jockey:     r.Jockey,
			Trainer:    r.Trainer,
			Form:       r.Form,
			FixedWin:   r.FixedWin,
			FixedPlace: r.FixedPlace,
			ToteWin:    r.ToteWin,
			TotePlace:  r.TotePlace,
		})
	}
	return race
}

type resultDTO struct {
	FinishingOrder []placingDTO               `json:"finishing_order"`
	Dividends      map[string]decimal.Decimal `json:"dividends"`
}

type placingDTO struct {
	Number     int             `json:"number"`
	Name       string          `json:"name"`
	FixedWin   decimal.Decimal `json:"fixed_win"`
	FixedPlace decimal.Decimal `json:"fixed_place"`
}

func (d resultDTO) toResult(raceID string) *racing.RaceResult {
	result := &racing.RaceResult{RaceID: raceID}
	for _, p := range d.FinishingOrder {
		result.FinishingOrder = append(result.FinishingOrder, racing.Placing{
			Number:     p.Number,
			Name:       p.Name,
			FixedWin:   p.FixedWin,
			FixedPlace: p.FixedPlace,
		})
	}
	if len(d.Dividends) > 0 {
		result.Dividends = make(map[racing.BetType]decimal.Decimal, len(d.Dividends))
		for key, value := range d.Dividends {
			result.Dividends[racing.BetType(key)] = value
		}
	}
	return result
}

var _ EventSource = (*TabTouch)(nil)
