// Package crawl feeds a colly collector's activity into the stats bridge
// using the downloader stat keys crawlers conventionally emit.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/statsbridge/internal/stats"
)

// Stat keys emitted by Instrument.
const (
	KeyRequestCount       = "downloader/request_count"
	KeyRequestMethodCount = "downloader/request_method_count"
	KeyResponseCount      = "downloader/response_count"
	KeyResponseStatus     = "downloader/response_status_count"
	KeyResponseBytes      = "downloader/response_bytes"
	KeyExceptionCount     = "downloader/exception_count"
	KeyExceptionType      = "downloader/exception_type_count"
	KeyRequestDepthMax    = "request_depth_max"
)

// Recorder receives stat updates and item/response lifecycle events.
type Recorder interface {
	OnStatUpdate(op stats.Op, key string, value any, entity stats.Entity, labels stats.Labels) error
	OnResponseReceived(entity stats.Entity)
	OnItemScraped(entity stats.Entity)
	OnItemDropped(entity stats.Entity, reason string)
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
	OnScraped(colly.ScrapedCallback)
}

// Instrument registers callbacks on c that report every request, response
// and transport error to rec on behalf of entity. Non-2xx responses are
// delivered to OnResponse so their status codes are counted.
func Instrument(c *colly.Collector, rec Recorder, entity stats.Entity) {
	c.ParseHTTPErrorResponse = true
	instrumentHooks(c, rec, entity)
}

func instrumentHooks(hooks collectorHooks, rec Recorder, entity stats.Entity) {
	inc := func(key string, value any) {
		_ = rec.OnStatUpdate(stats.OpInc, key, value, entity, nil)
	}

	hooks.OnRequest(func(r *colly.Request) {
		inc(KeyRequestCount, 1)
		inc(KeyRequestMethodCount+stats.KeySeparator+r.Method, 1)
		_ = rec.OnStatUpdate(stats.OpMax, KeyRequestDepthMax, r.Depth, entity, nil)
	})

	hooks.OnResponse(func(r *colly.Response) {
		inc(KeyResponseCount, 1)
		inc(KeyResponseStatus+stats.KeySeparator+strconv.Itoa(r.StatusCode), 1)
		inc(KeyResponseBytes, len(r.Body))
		rec.OnResponseReceived(entity)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		inc(KeyExceptionCount, 1)
		inc(KeyExceptionType+stats.KeySeparator+ErrorType(err), 1)
	})

	hooks.OnScraped(func(r *colly.Response) {
		if r.StatusCode >= 400 {
			rec.OnItemDropped(entity, "http_"+strconv.Itoa(r.StatusCode))
			return
		}
		rec.OnItemScraped(entity)
	})
}

// ErrorType names the concrete type of err, looking through *url.Error.
func ErrorType(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	if err == nil {
		return "unknown"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// EntityFromURL derives an entity name from a seed URL's lowercase host. It
// returns "unknown" if the URL is invalid.
func EntityFromURL(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Config controls a crawl run.
type Config struct {
	Seeds          []string
	AllowedDomains []string
	MaxDepth       int
	UserAgent      string
	Parallelism    int
	Delay          time.Duration
	Timeout        time.Duration
}

// Run crawls cfg.Seeds, following links up to cfg.MaxDepth, and reports the
// crawl to rec as entity. It returns when the crawl drains or ctx is done.
func Run(ctx context.Context, cfg Config, rec Recorder, entity stats.Entity, logger *zap.Logger) error {
	if len(cfg.Seeds) == 0 {
		return fmt.Errorf("%w: at least one seed URL is required", stats.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []colly.CollectorOption{colly.Async(true)}
	if cfg.MaxDepth > 0 {
		opts = append(opts, colly.MaxDepth(cfg.MaxDepth))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	if len(cfg.AllowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(cfg.AllowedDomains...))
	}
	c := colly.NewCollector(opts...)

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: parallelism, Delay: cfg.Delay}); err != nil {
		return fmt.Errorf("%w: limit rule: %v", stats.ErrConfiguration, err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	Instrument(c, rec, entity)
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if err := e.Request.Visit(e.Attr("href")); err != nil {
			logger.Debug("link not followed",
				zap.String("entity", entity.Name),
				zap.String("href", e.Attr("href")),
				zap.Error(err),
			)
		}
	})

	for _, seed := range cfg.Seeds {
		if err := c.Visit(seed); err != nil {
			logger.Warn("seed not visited",
				zap.String("entity", entity.Name),
				zap.String("url", seed),
				zap.Error(err),
			)
		}
	}
	c.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("crawl canceled: %w", err)
	}
	return nil
}
