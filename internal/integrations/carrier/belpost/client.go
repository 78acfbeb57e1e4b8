package belpost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/BearBump/parceltrack/internal/integrations/carrier"
	"github.com/BearBump/parceltrack/internal/models"
)

const timeLayout = "2006-01-02 15:04:05"

// Client calls the Belpost tracking API one number at a time.
type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
}

// New creates a client; rps <= 0 disables local throttling.
func New(baseURL string, rps float64) *Client {
	if baseURL == "" {
		baseURL = "https://api.belpost.by"
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type respStep struct {
	Event     string `json:"event"`
	CreatedAt string `json:"created_at"`
	Place     string `json:"place,omitempty"`
}

type respBody struct {
	Data []struct {
		Number string     `json:"number"`
		Steps  []respStep `json:"steps"`
	} `json:"data"`
}

func (c *Client) FetchHistory(ctx context.Context, number string) (models.History, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "wait limiter")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = fmt.Sprintf("/api/v1/tracking/%s", url.PathEscape(number))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, carrier.ErrRateLimited
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("belpost http %d", resp.StatusCode)
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	var h models.History
	for _, d := range rb.Data {
		for _, s := range d.Steps {
			if s.Event == "" {
				continue
			}
			// Время приходит без зоны, переводится в зону пользователя уже при сохранении.
			ts, err := time.ParseInLocation(timeLayout, s.CreatedAt, time.UTC)
			if err != nil {
				continue
			}
			h = append(h, models.StatusEvent{Timestamp: ts, Description: s.Event})
		}
	}
	sort.SliceStable(h, func(i, j int) bool { return h[i].Timestamp.After(h[j].Timestamp) })
	return h, nil
}
