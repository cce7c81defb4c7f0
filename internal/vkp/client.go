package vkp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/edgeerr"
	"github.com/habibiahmada/openclass-NexusAI-sub002/internal/logging"
)

// Client talks to the district package server. School links are slow
// and flaky, so every fetch retries with exponential backoff and
// jitter; an unreachable server is a normal condition, not an error the
// daemon surfaces to students.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient targets the catalog at baseURL. An empty baseURL yields a
// client whose fetches fail with ResourceUnavailable, which the poller
// treats as "offline".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Minute},
		log:     logging.Get("vkp.client"),
	}
}

const (
	fetchAttempts  = 4
	fetchBaseDelay = time.Second
	fetchMaxDelay  = 60 * time.Second
)

// FetchCatalog downloads the published package list.
func (c *Client) FetchCatalog(ctx context.Context) (*Catalog, error) {
	data, err := c.fetch(ctx, c.baseURL+"/catalog.json")
	if err != nil {
		return nil, err
	}
	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, edgeerr.Wrapf(edgeerr.KindIntegrityFailure, err, "malformed catalog")
	}
	return &cat, nil
}

// FetchArtifact downloads and integrity-checks one package artifact.
// A hash mismatch after all retries classifies as IntegrityFailure.
func (c *Client) FetchArtifact(ctx context.Context, m Manifest) ([]byte, error) {
	if c.baseURL == "" && m.ArtifactURL == "" {
		return nil, edgeerr.Wrapf(edgeerr.KindResourceUnavailable, nil, "no package source configured")
	}
	url := m.ArtifactURL
	if url == "" {
		url = fmt.Sprintf("%s/packages/%s/%d/%s.vkp", c.baseURL, m.SubjectCode, m.Grade, m.Version)
	}

	var data []byte
	err := retry.Do(
		func() error {
			var ferr error
			data, ferr = c.fetchOnce(ctx, url)
			if ferr != nil {
				return ferr
			}
			return VerifyIntegrity(m, data)
		},
		retry.Context(ctx),
		retry.Attempts(fetchAttempts),
		retry.Delay(fetchBaseDelay),
		retry.MaxDelay(fetchMaxDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(transient),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("artifact fetch retry",
				zap.Uint("attempt", n+1),
				zap.String("package", m.Key()),
				zap.String("version", m.Version),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, edgeerr.Wrapf(edgeerr.KindResourceUnavailable, nil, "no package source configured")
	}
	var data []byte
	err := retry.Do(
		func() error {
			var ferr error
			data, ferr = c.fetchOnce(ctx, url)
			return ferr
		},
		retry.Context(ctx),
		retry.Attempts(fetchAttempts),
		retry.Delay(fetchBaseDelay),
		retry.MaxDelay(fetchMaxDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(transient),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// transient limits retries to connectivity-class failures. A missing
// package or a hash mismatch does not improve by asking again.
func transient(err error) bool {
	return edgeerr.KindOf(err) == edgeerr.KindResourceUnavailable
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	if c.baseURL == "" {
		return nil, edgeerr.Wrapf(edgeerr.KindResourceUnavailable, nil, "no package source configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, edgeerr.Wrapf(edgeerr.KindNotFound, nil, "%s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, edgeerr.Wrapf(edgeerr.KindResourceUnavailable, nil,
			"package server returned status %d for %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, edgeerr.Wrap(edgeerr.KindResourceUnavailable, err)
	}
	return data, nil
}
