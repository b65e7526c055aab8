// Package push delivers a partition to a Pushgateway-compatible collector.
package push

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/statsbridge/internal/stats"
)

// Method selects how a push interacts with metrics already stored for the
// same grouping key.
type Method string

const (
	// MethodReplace replaces every metric in the group (HTTP PUT).
	MethodReplace Method = "replace"
	// MethodAdditive replaces only the pushed metric names (HTTP POST).
	MethodAdditive Method = "additive"
)

// DefaultTimeout bounds a push when the request does not set one.
const DefaultTimeout = 5 * time.Second

// ParseMethod accepts the method names and their HTTP verb aliases. An empty
// string selects MethodAdditive.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "additive", "add", "post":
		return MethodAdditive, nil
	case "replace", "put":
		return MethodReplace, nil
	default:
		return "", fmt.Errorf("%w: unknown push method %q", stats.ErrConfiguration, s)
	}
}

// Request describes one push.
type Request struct {
	Gatherer prometheus.Gatherer
	URL      string
	Job      string
	Grouping map[string]string
	Timeout  time.Duration
	Method   Method
}

// Observer is notified of every push outcome.
type Observer interface {
	ObservePush(method string, duration time.Duration, err error)
}

// Option configures a Pusher.
type Option func(*Pusher)

// WithLogger sets the logger used for push outcomes.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pusher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObserver registers an Observer for push outcomes.
func WithObserver(o Observer) Option {
	return func(p *Pusher) {
		p.observer = o
	}
}

// WithTransport overrides the HTTP transport used for pushes.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Pusher) {
		p.transport = rt
	}
}

// Pusher sends gathered metrics to a gateway. It is safe for concurrent use.
type Pusher struct {
	transport http.RoundTripper
	logger    *zap.Logger
	observer  Observer
}

// New returns a Pusher.
func New(opts ...Option) *Pusher {
	p := &Pusher{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Push gathers req.Gatherer once and sends the result to req.URL. Labels
// that repeat the job or a grouping key are removed from the pushed metrics,
// since the gateway attaches the grouping labels itself. Failures are
// returned wrapped in stats.ErrTransport.
func (p *Pusher) Push(ctx context.Context, req Request) error {
	method := req.Method
	if method == "" {
		method = MethodAdditive
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := p.send(ctx, req, method, timeout)
	duration := time.Since(start)
	if p.observer != nil {
		p.observer.ObservePush(string(method), duration, err)
	}
	if err != nil {
		p.logger.Warn("push failed",
			zap.String("destination", req.URL),
			zap.String("job", req.Job),
			zap.Any("grouping", req.Grouping),
			zap.String("method", string(method)),
			zap.Error(err),
		)
		return err
	}
	p.logger.Debug("push complete",
		zap.String("destination", req.URL),
		zap.String("job", req.Job),
		zap.Any("grouping", req.Grouping),
		zap.String("method", string(method)),
		zap.Duration("duration", duration),
	)
	return nil
}

func (p *Pusher) send(ctx context.Context, req Request, method Method, timeout time.Duration) error {
	if req.Gatherer == nil {
		return fmt.Errorf("%w: no gatherer", stats.ErrTransport)
	}
	if req.URL == "" {
		return fmt.Errorf("%w: no gateway address", stats.ErrTransport)
	}

	pusher := push.New(NormalizeURL(req.URL), req.Job).
		Gatherer(stripGrouping(req.Gatherer, req.Grouping)).
		Client(&http.Client{Timeout: timeout, Transport: p.transport})
	for name, value := range req.Grouping {
		pusher = pusher.Grouping(name, value)
	}

	var err error
	switch method {
	case MethodReplace:
		err = pusher.PushContext(ctx)
	case MethodAdditive:
		err = pusher.AddContext(ctx)
	default:
		return fmt.Errorf("%w: unknown push method %q", stats.ErrTransport, method)
	}
	if err != nil {
		return fmt.Errorf("%w: %s to %s: %v", stats.ErrTransport, method, req.URL, err)
	}
	return nil
}

// NormalizeURL prefixes addresses without a scheme with http://.
func NormalizeURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "http://" + address
}

func stripGrouping(g prometheus.Gatherer, grouping map[string]string) prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		families, err := g.Gather()
		if err != nil {
			return nil, err
		}
		for _, mf := range families {
			for _, m := range mf.GetMetric() {
				kept := m.Label[:0]
				for _, lp := range m.GetLabel() {
					if _, grouped := grouping[lp.GetName()]; grouped || lp.GetName() == "job" {
						continue
					}
					kept = append(kept, lp)
				}
				m.Label = kept
			}
		}
		return families, nil
	})
}
