package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/airtrackhq/airtrack/internal/conf"
	"github.com/airtrackhq/airtrack/internal/datastore"
	"github.com/airtrackhq/airtrack/internal/errors"
	"github.com/airtrackhq/airtrack/internal/logging"
	"github.com/airtrackhq/airtrack/internal/pcmaudio"
)

// ServiceBClient talks to the audio identification service: a short audio
// clip in, at most one candidate with metadata and a score out.
type ServiceBClient struct {
	cfg     conf.ServiceSettings
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewServiceBClient builds the client with its own token bucket.
func NewServiceBClient(cfg conf.ServiceSettings) *ServiceBClient {
	return &ServiceBClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		logger:  logging.ForService("service-b"),
	}
}

type serviceBResponse struct {
	Status string `json:"status"`
	Result *struct {
		Title  string  `json:"title"`
		Artist string  `json:"artist"`
		Album  string  `json:"album"`
		Label  string  `json:"label"`
		ISRC   string  `json:"isrc"`
		Score  float64 `json:"score"`
	} `json:"result"`
}

// Identify uploads a clip of the segment's PCM as WAV. Returns nil when the
// service recognized nothing.
func (c *ServiceBClient) Identify(ctx context.Context, pcm []byte) (*Descriptor, error) {
	clip, err := c.encodeClip(pcm)
	if err != nil {
		return nil, err
	}

	build := func() (*http.Request, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)

		if err := mw.WriteField("api_token", c.cfg.APIKey); err != nil {
			return nil, err
		}
		part, err := mw.CreateFormFile("file", "clip.wav")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(clip); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequest(http.MethodPost, c.cfg.BaseURL, &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}

	resp, err := doWithRetry(ctx, c.http, c.limiter, c.cfg.MaxRetries, build)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf("audio identification failed with status %d: %s", resp.StatusCode, body).
			Category(errors.CategoryRecognition).
			NetworkContext(c.cfg.BaseURL, c.cfg.Timeout).
			Build()
	}

	var parsed serviceBResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryRecognition).
			Context("operation", "decode_identify_response").
			Build()
	}
	if parsed.Status != "success" || parsed.Result == nil {
		return nil, nil
	}

	return &Descriptor{
		Title:      parsed.Result.Title,
		Artist:     parsed.Result.Artist,
		Album:      parsed.Result.Album,
		Label:      parsed.Result.Label,
		ISRC:       parsed.Result.ISRC,
		Confidence: parsed.Result.Score,
		Method:     datastore.MethodExternalB,
	}, nil
}

// encodeClip wraps the PCM as WAV, trimming from the front so the upload
// stays under the service's size cap. The tail of a segment is the part most
// likely still playing, so it survives the trim.
func (c *ServiceBClient) encodeClip(pcm []byte) ([]byte, error) {
	const wavOverhead = 44
	if max := c.cfg.MaxClipBytes - wavOverhead; max > 0 && len(pcm) > max {
		trimmed := pcm[len(pcm)-max:]
		// Keep sample alignment.
		if rem := len(trimmed) % pcmaudio.BytesPerSample; rem != 0 {
			trimmed = trimmed[rem:]
		}
		pcm = trimmed
	}
	return pcmaudio.EncodeWAV(pcm)
}
