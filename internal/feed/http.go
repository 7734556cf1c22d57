package feed

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
)

const (
	defaultStatsSample = 100
	maxBodyBytes       = 8 << 20
)

// highImpactTypes escalate an ongoing ("current") disaster to HIGH.
var highImpactTypes = map[string]bool{
	"earthquake":       true,
	"tsunami":          true,
	"tropical cyclone": true,
	"flash flood":      true,
	"volcano":          true,
}

// HTTPClient reads a ReliefWeb-style JSON API:
//
//	GET {base}/disasters?appname=..&limit=N&profile=full&sort[]=date.created:desc
//	GET {base}/reports?...
//
// Both endpoints answer {"data":[{"id":..,"fields":{..}}]}.
type HTTPClient struct {
	baseURL     string
	appName     string
	http        *http.Client
	statsSample int
}

func NewHTTPClient(baseURL, appName string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		appName:     appName,
		http:        &http.Client{Timeout: timeout},
		statsSample: defaultStatsSample,
	}
}

// flexID accepts both string and numeric IDs.
type flexID string

func (id *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %s", string(data))
	}
	*id = flexID(n.String())
	return nil
}

type named struct {
	Name string `json:"name"`
}

type apiDate struct {
	Created time.Time `json:"created"`
}

type disasterFields struct {
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	Type    []named `json:"type"`
	Country []named `json:"country"`
	Date    apiDate `json:"date"`
	URL     string  `json:"url"`
}

type reportFields struct {
	Title   string  `json:"title"`
	Source  []named `json:"source"`
	Country []named `json:"country"`
	Date    apiDate `json:"date"`
	URL     string  `json:"url"`
}

type apiItem[F any] struct {
	ID     flexID `json:"id"`
	Fields F      `json:"fields"`
}

type apiResponse[F any] struct {
	Data []apiItem[F] `json:"data"`
}

func (c *HTTPClient) FetchAlerts(ctx context.Context, limit int) ([]Alert, error) {
	var resp apiResponse[disasterFields]
	if err := c.get(ctx, "disasters", limit, &resp); err != nil {
		return nil, fmt.Errorf("fetching alerts: %w", err)
	}

	alerts := make([]Alert, 0, len(resp.Data))
	for _, item := range resp.Data {
		alerts = append(alerts, normalizeDisaster(string(item.ID), item.Fields))
	}
	return alerts, nil
}

func (c *HTTPClient) FetchReports(ctx context.Context, limit int) ([]Report, error) {
	var resp apiResponse[reportFields]
	if err := c.get(ctx, "reports", limit, &resp); err != nil {
		return nil, fmt.Errorf("fetching reports: %w", err)
	}

	reports := make([]Report, 0, len(resp.Data))
	for _, item := range resp.Data {
		f := item.Fields
		src := ""
		if len(f.Source) > 0 {
			src = f.Source[0].Name
		}
		reports = append(reports, Report{
			ID:        string(item.ID),
			Title:     f.Title,
			Source:    src,
			Locations: names(f.Country),
			Timestamp: f.Date.Created,
			URL:       f.URL,
		})
	}
	return reports, nil
}

// FetchStats samples the most recent disasters and buckets them.
func (c *HTTPClient) FetchStats(ctx context.Context) (Stats, error) {
	alerts, err := c.FetchAlerts(ctx, c.statsSample)
	if err != nil {
		return Stats{}, fmt.Errorf("fetching stats: %w", err)
	}
	return ComputeStats(alerts), nil
}

func (c *HTTPClient) get(ctx context.Context, endpoint string, limit int, out any) error {
	q := url.Values{}
	q.Set("appname", c.appName)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("profile", "full")
	q.Add("sort[]", "date.created:desc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: unexpected status %d", endpoint, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", endpoint, err)
	}
	return nil
}

func normalizeDisaster(id string, f disasterFields) Alert {
	typ := ""
	if len(f.Type) > 0 {
		typ = f.Type[0].Name
	}
	return Alert{
		ID:        id,
		Title:     f.Name,
		Type:      typ,
		Severity:  classify(f.Status, typ),
		Locations: names(f.Country),
		Timestamp: f.Date.Created,
		URL:       f.URL,
	}
}

// classify maps provider status and disaster type onto a Severity.
func classify(status, typ string) Severity {
	switch strings.ToLower(status) {
	case "alert":
		return SeverityHigh
	case "current", "ongoing":
		if highImpactTypes[strings.ToLower(typ)] {
			return SeverityHigh
		}
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func names(items []named) []string {
	out := make([]string, 0, len(items))
	for _, n := range items {
		if n.Name != "" {
			out = append(out, n.Name)
		}
	}
	return out
}
