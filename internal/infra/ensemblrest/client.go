// Package ensemblrest fetches gene metadata and gene trees from the Ensembl
// REST API of a deployment.
package ensemblrest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/ensembl-genetree/internal/domain/dataset"
	"github.com/ahrav/ensembl-genetree/internal/domain/genetree"
	"github.com/ahrav/ensembl-genetree/pkg/common"
	"github.com/ahrav/ensembl-genetree/pkg/common/logger"
)

// Config tunes the client.
type Config struct {
	RequestTimeout time.Duration
	// RateLimit is the ceiling in requests per second. Server rate limit
	// headers may lower the effective rate but never raise it above this.
	RateLimit float64
	Burst     int
	Retry     common.RetryPolicy
	UserAgent string
}

// Client is a rate limited, retrying Ensembl REST client.
type Client struct {
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	cfg         Config

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a REST client. Per-request timeouts come from cfg, so
// httpClient should not carry its own.
func NewClient(httpClient *http.Client, cfg Config, log *logger.Logger, tracer trace.Tracer) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Minute
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Client{
		httpClient:  httpClient,
		rateLimiter: common.NewRateLimiter(cfg.RateLimit, cfg.Burst),
		cfg:         cfg,
		logger:      log.With("component", "ensembl_rest_client"),
		tracer:      tracer,
	}
}

// SpeciesPath converts "Homo sapiens" to the "homo_sapiens" form used in
// REST paths.
func SpeciesPath(species string) string {
	return strings.ToLower(strings.Join(strings.Fields(species), "_"))
}

// LookupSymbol returns the display name of a gene id.
func (c *Client) LookupSymbol(ctx context.Context, d dataset.Deployment, geneID string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "ensembl_rest_client.lookup",
		trace.WithAttributes(
			attribute.String("deployment", string(d.Key)),
			attribute.String("gene_id", geneID),
		))
	defer span.End()

	endpoint := fmt.Sprintf("%s/lookup/id/%s?content-type=application/json", d.RestURL, url.PathEscape(geneID))
	body, err := c.get(ctx, endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return "", fmt.Errorf("looking up %s: %w", geneID, err)
	}

	var doc struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("decoding lookup of %s: %w", geneID, err)
	}
	return doc.DisplayName, nil
}

// GeneTree returns the gene tree containing geneID, or nil when the service
// has none. Client errors and malformed bodies count as no tree; exhausted
// retries and cancellation are errors.
func (c *Client) GeneTree(ctx context.Context, d dataset.Deployment, species, geneID string) (*genetree.Tree, error) {
	ctx, span := c.tracer.Start(ctx, "ensembl_rest_client.gene_tree",
		trace.WithAttributes(
			attribute.String("deployment", string(d.Key)),
			attribute.String("species", species),
			attribute.String("gene_id", geneID),
		))
	defer span.End()

	endpoint := fmt.Sprintf("%s/genetree/member/id/%s/%s",
		d.RestURL, url.PathEscape(SpeciesPath(species)), url.PathEscape(geneID))
	q := url.Values{}
	q.Set("content-type", "application/json")
	if d.Compara != "" {
		q.Set("compara", d.Compara)
	}
	endpoint += "?" + q.Encode()

	body, err := c.get(ctx, endpoint)
	if err != nil {
		if errors.Is(err, common.ErrNotRetryable) {
			span.SetAttributes(attribute.Bool("tree.found", false))
			c.logger.Debug(ctx, "no gene tree for gene", "gene_id", geneID, "reason", err)
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "gene tree request failed")
		return nil, fmt.Errorf("fetching gene tree of %s: %w", geneID, err)
	}

	tree := decodeTree(body)
	span.SetAttributes(attribute.Bool("tree.found", tree != nil))
	if tree == nil {
		c.logger.Debug(ctx, "gene tree response has no tree", "gene_id", geneID)
	}
	return tree, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	var body []byte
	operation := func() error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return common.Permanent(fmt.Errorf("rate limiter wait failed: %w", err))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return common.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if c.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", c.cfg.UserAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		c.updateRateLimits(resp.Header)

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			serr := common.NewStatusError(resp, data)
			if !serr.Retryable() {
				return common.Permanent(serr)
			}
			return serr
		}

		body = data
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn(ctx, "ensembl request failed, retrying", "url", endpoint, "error", err, "wait", wait)
	}

	if err := common.Retry(ctx, c.cfg.Retry, operation, notify); err != nil {
		return nil, err
	}
	return body, nil
}

// updateRateLimits lowers the request rate when the server reports that the
// remaining quota would run out before the window resets. Ensembl reports
// the reset as seconds until the window ends.
func (c *Client) updateRateLimits(headers http.Header) {
	remaining, errRemaining := strconv.ParseFloat(headers.Get("X-RateLimit-Remaining"), 64)
	reset, errReset := strconv.ParseFloat(headers.Get("X-RateLimit-Reset"), 64)
	if errRemaining != nil || errReset != nil || remaining <= 0 || reset <= 0 {
		return
	}

	// Use 90% of the available rate to stay clear of the limit.
	rps := remaining / reset * 0.9
	if c.cfg.RateLimit > 0 && rps > c.cfg.RateLimit {
		rps = c.cfg.RateLimit
	}
	c.rateLimiter.UpdateLimits(rps, c.cfg.Burst)
}
