// Package biomart talks to the BioMart service of an Ensembl deployment: the
// mart registry, the dataset listing of a mart, and gene list queries.
package biomart

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	RequestTimeout   time.Duration
	GeneQueryTimeout time.Duration
	// RateLimit is requests per second across all deployments. Zero
	// disables pacing.
	RateLimit float64
	Retry     common.RetryPolicy
	UserAgent string
}

// Client fetches registry, dataset and gene data from BioMart. It
// implements dataset.RegistryClient.
type Client struct {
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	cfg         Config

	logger *logger.Logger
	tracer trace.Tracer
}

var _ dataset.RegistryClient = (*Client)(nil)

// NewClient creates a BioMart client. Per-request timeouts come from cfg, so
// httpClient should not carry its own.
func NewClient(httpClient *http.Client, cfg Config, log *logger.Logger, tracer trace.Tracer) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.GeneQueryTimeout <= 0 {
		cfg.GeneQueryTimeout = 5 * time.Minute
	}
	return &Client{
		httpClient:  httpClient,
		rateLimiter: common.NewRateLimiter(cfg.RateLimit, 1),
		cfg:         cfg,
		logger:      log.With("component", "biomart_client"),
		tracer:      tracer,
	}
}

// Marts returns the marts advertised by the registry of d.
func (c *Client) Marts(ctx context.Context, d dataset.Deployment) ([]dataset.Mart, error) {
	ctx, span := c.tracer.Start(ctx, "biomart_client.marts",
		trace.WithAttributes(attribute.String("deployment", string(d.Key))))
	defer span.End()

	registryURL := d.MartURL + "?type=registry"
	body, err := c.get(ctx, registryURL, c.cfg.RequestTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry request failed")
		return nil, fmt.Errorf("fetching registry of %s: %w", d.Key, err)
	}

	marts, err := parseRegistry(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry parse failed")
		return nil, fmt.Errorf("registry of %s: %w", d.Key, err)
	}

	span.SetAttributes(attribute.Int("marts.count", len(marts)))
	return marts, nil
}

// Datasets returns the datasets of mart on d.
func (c *Client) Datasets(ctx context.Context, d dataset.Deployment, mart dataset.Mart) ([]dataset.Descriptor, error) {
	ctx, span := c.tracer.Start(ctx, "biomart_client.datasets",
		trace.WithAttributes(
			attribute.String("deployment", string(d.Key)),
			attribute.String("mart", mart.Name),
		))
	defer span.End()

	q := url.Values{}
	q.Set("type", "datasets")
	q.Set("mart", mart.Name)
	body, err := c.get(ctx, d.MartURL+"?"+q.Encode(), c.cfg.RequestTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "datasets request failed")
		return nil, fmt.Errorf("fetching datasets of %s/%s: %w", d.Key, mart.Name, err)
	}

	datasets := parseDatasets(body)
	span.SetAttributes(attribute.Int("datasets.count", len(datasets)))
	return datasets, nil
}

// Catalog selects the gene mart of d and lists its datasets.
func (c *Client) Catalog(ctx context.Context, d dataset.Deployment) (dataset.Catalog, error) {
	marts, err := c.Marts(ctx, d)
	if err != nil {
		return dataset.Catalog{}, err
	}

	mart, ok := dataset.SelectGeneMart(marts)
	if !ok {
		return dataset.Catalog{}, fmt.Errorf("registry of %s: %w", d.Key, ErrNoMarts)
	}

	datasets, err := c.Datasets(ctx, d, mart)
	if err != nil {
		return dataset.Catalog{}, err
	}

	c.logger.Info(ctx, "loaded dataset catalog",
		"deployment", d.Key,
		"mart", mart.Name,
		"datasets", len(datasets),
	)
	return dataset.Catalog{Deployment: d, Mart: mart, Datasets: datasets}, nil
}

// ProteinCodingGenes lists the protein coding genes of datasetName.
func (c *Client) ProteinCodingGenes(
	ctx context.Context,
	d dataset.Deployment,
	mart dataset.Mart,
	datasetName string,
) ([]genetree.Gene, error) {
	ctx, span := c.tracer.Start(ctx, "biomart_client.protein_coding_genes",
		trace.WithAttributes(
			attribute.String("deployment", string(d.Key)),
			attribute.String("dataset", datasetName),
		))
	defer span.End()

	query, err := proteinCodingQuery(mart.VirtualSchema, datasetName)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	form := url.Values{}
	form.Set("query", query)

	body, err := c.do(ctx, c.cfg.GeneQueryTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.MartURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gene query failed")
		return nil, fmt.Errorf("querying genes of %s: %w", datasetName, err)
	}

	genes, err := parseGenes(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gene query rejected")
		return nil, err
	}

	span.SetAttributes(attribute.Int("genes.count", len(genes)))
	c.logger.Info(ctx, "fetched protein coding genes", "dataset", datasetName, "genes", len(genes))
	return genes, nil
}

func (c *Client) get(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	return c.do(ctx, timeout, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
}

// do runs a request with pacing and retries. Transport errors and retryable
// statuses are retried; other statuses fail immediately.
func (c *Client) do(
	ctx context.Context,
	timeout time.Duration,
	newRequest func(ctx context.Context) (*http.Request, error),
) ([]byte, error) {
	var body []byte
	operation := func() error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return common.Permanent(fmt.Errorf("rate limiter wait failed: %w", err))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := newRequest(attemptCtx)
		if err != nil {
			return common.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if c.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", c.cfg.UserAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

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
		c.logger.Warn(ctx, "biomart request failed, retrying", "error", err, "wait", wait)
	}

	if err := common.Retry(ctx, c.cfg.Retry, operation, notify); err != nil {
		return nil, err
	}
	return body, nil
}
