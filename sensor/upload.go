package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphadam/littleserver/proto"
	"github.com/rs/zerolog/log"
)

// StatusError is returned when the webservice answers 4xx or 5xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webservice answered %d %s", e.Code, e.Body)
}

type Uploader struct {
	url    string
	client *http.Client
	// MaxElapsed bounds the retries of one upload.
	MaxElapsed time.Duration
}

func NewUploader(url string, timeout time.Duration) *Uploader {
	return &Uploader{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		MaxElapsed: DefaultInterval,
	}
}

// Upload posts r as JSON. Network failures and 5xx answers are retried with
// exponential backoff, 4xx answers are not.
func (u *Uploader) Upload(ctx context.Context, r proto.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("unable to encode reading %w", err)
	}

	retryStrategy := backoff.NewExponentialBackOff()
	retryStrategy.InitialInterval = 500 * time.Millisecond
	retryStrategy.MaxElapsedTime = u.MaxElapsed

	return backoff.RetryNotify(
		func() error {
			err := u.post(ctx, payload)
			if se, ok := err.(*StatusError); ok && se.Code < http.StatusInternalServerError {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(retryStrategy, ctx),
		func(err error, wait time.Duration) {
			log.Info().Err(err).Dur("retry_in", wait).Msg("upload failed")
		},
	)
}

func (u *Uploader) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("unable to build request %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("unable to post reading %w", err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 512))

	if res.StatusCode >= http.StatusBadRequest {
		return &StatusError{Code: res.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	return nil
}
