// Package profile keeps the difficulty axes of players up to date from an
// external profile service.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"golang.org/x/time/rate"
)

// Profile holds the difficulty axes of a player
type Profile struct {
	Aim     float64 `json:"aim_pp"`
	Acc     float64 `json:"acc_pp"`
	Speed   float64 `json:"speed_pp"`
	Overall float64 `json:"overall_pp"`
	AvgAR   float64 `json:"avg_ar"`
	AvgSR   float64 `json:"avg_sr"`
}

// Apply copies the axes onto p
func (pr Profile) Apply(p *domain.Player) {
	p.Aim = pr.Aim
	p.Acc = pr.Acc
	p.Speed = pr.Speed
	p.Overall = pr.Overall
	p.AvgAR = pr.AvgAR
	p.AvgSR = pr.AvgSR
}

// Fetcher loads a player's profile by user id
type Fetcher interface {
	FetchProfile(ctx context.Context, userID int64) (Profile, error)
}

// HTTPFetcher reads profiles from a JSON API at <base>/users/<id>
type HTTPFetcher struct {
	base    string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPFetcher creates a fetcher allowing at most perMinute requests per minute
func NewHTTPFetcher(baseURL, apiKey string, perMinute int) *HTTPFetcher {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &HTTPFetcher{
		base:    strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (f *HTTPFetcher) FetchProfile(ctx context.Context, userID int64) (Profile, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return Profile{}, err
	}

	u := f.base + "/users/" + strconv.FormatInt(userID, 10)
	if f.apiKey != "" {
		u += "?" + url.Values{"key": {f.apiKey}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("requesting profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Profile{}, fmt.Errorf("profile service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("decoding profile: %w", err)
	}
	return p, nil
}
