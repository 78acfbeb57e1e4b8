package evropost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/BearBump/parceltrack/internal/integrations/carrier"
	"github.com/BearBump/parceltrack/internal/models"
)

// Evropost пример: "02.07.2024 19:16:00"
const timeLayout = "02.01.2006 15:04:05"

// Client calls the Evropost batch tracking API.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	limiter *rate.Limiter
}

// New creates a client; rps <= 0 disables local throttling.
func New(baseURL, apiKey string, rps float64) *Client {
	if baseURL == "" {
		baseURL = "https://api.evropost.by"
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type batchReq struct {
	APIKey string   `json:"apiKey,omitempty"`
	Codes  []string `json:"codes"`
}

type batchResp struct {
	Status string `json:"status"`
	Data   map[string]struct {
		Events []struct {
			OperationDateTime  string `json:"operationDateTime"`
			OperationAttribute string `json:"operationAttribute"`
			OperationPlaceName string `json:"operationPlaceName"`
		} `json:"events"`
	} `json:"data"`
}

func (c *Client) FetchHistoryBatch(ctx context.Context, numbers []string) (map[string]models.History, error) {
	out := make(map[string]models.History, len(numbers))
	if len(numbers) == 0 {
		return out, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "wait limiter")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = "/tracking/batch"

	body, err := json.Marshal(batchReq{APIKey: c.apiKey, Codes: numbers})
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, carrier.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("evropost http %d", resp.StatusCode)
	}

	var r batchResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if r.Status != "ok" {
		return nil, fmt.Errorf("evropost status=%s", r.Status)
	}

	for number, d := range r.Data {
		// события приходят от старых к новым
		h := make(models.History, 0, len(d.Events))
		for i := len(d.Events) - 1; i >= 0; i-- {
			e := d.Events[i]
			if e.OperationAttribute == "" {
				continue
			}
			ts, err := time.ParseInLocation(timeLayout, e.OperationDateTime, time.UTC)
			if err != nil {
				continue
			}
			h = append(h, models.StatusEvent{Timestamp: ts, Description: e.OperationAttribute})
		}
		if len(h) > 0 {
			out[number] = h
		}
	}
	return out, nil
}
