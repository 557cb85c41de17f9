package recognizer

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/errors"
	"github.com/airtrackhq/airtrack/internal/features"
	"github.com/airtrackhq/airtrack/internal/logging"
)

// ServiceAClient talks to the fingerprint lookup service: fingerprint plus
// duration in, candidate recordings with metadata and sometimes an ISRC out.
type ServiceAClient struct {
	cfg     conf.ServiceSettings
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewServiceAClient builds the client with its own token bucket.
func NewServiceAClient(cfg conf.ServiceSettings) *ServiceAClient {
	return &ServiceAClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		logger:  logging.ForService("service-a"),
	}
}

type serviceAResponse struct {
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	Results []struct {
		Score      float64 `json:"score"`
		Recordings []struct {
			ID      string `json:"id"`
			Title   string `json:"title"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
			ISRCs    []string `json:"isrcs"`
			Releases []struct {
				Title string `json:"title"`
				Label string `json:"label"`
			} `json:"releases"`
		} `json:"recordings"`
	} `json:"results"`
}

// Lookup queries the service for a fingerprint. Candidates come back sorted
// by confidence, best first. An empty slice means the service had no answer.
func (c *ServiceAClient) Lookup(ctx context.Context, fp features.Fingerprint, durationSecs float64) ([]Descriptor, error) {
	form := url.Values{}
	form.Set("client", c.cfg.APIKey)
	form.Set("fingerprint", base64.RawURLEncoding.EncodeToString(fp.Encode()))
	form.Set("duration", strconv.Itoa(int(durationSecs)))
	form.Set("meta", "recordings releases")
	encoded := form.Encode()

	// Always a form-encoded POST: long segments produce fingerprints that
	// overflow proxy URL limits and come back as 413/414.
	build := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.cfg.BaseURL, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	resp, err := doWithRetry(ctx, c.http, c.limiter, c.cfg.MaxRetries, build)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf("fingerprint lookup failed with status %d: %s", resp.StatusCode, body).
			Category(errors.CategoryRecognition).
			NetworkContext(c.cfg.BaseURL, c.cfg.Timeout).
			Build()
	}

	var parsed serviceAResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryRecognition).
			Context("operation", "decode_lookup_response").
			Build()
	}
	if parsed.Status != "ok" {
		msg := "unknown error"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, errors.Newf("fingerprint lookup rejected: %s", msg).
			Category(errors.CategoryRecognition).
			Build()
	}

	var out []Descriptor
	for _, result := range parsed.Results {
		for _, rec := range result.Recordings {
			d := Descriptor{
				Title:      rec.Title,
				Confidence: result.Score,
				Method:     datastore.MethodExternalA,
			}
			if len(rec.Artists) > 0 {
				d.Artist = rec.Artists[0].Name
			}
			if len(rec.ISRCs) > 0 {
				d.ISRC = rec.ISRCs[0]
			}
			if len(rec.Releases) > 0 {
				d.Album = rec.Releases[0].Title
				d.Label = rec.Releases[0].Label
			}
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out, nil
}
