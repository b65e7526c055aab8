// Package pushtest provides an in-memory Pushgateway for tests. It keeps one
// group of metric families per job and grouping key and implements the PUT,
// POST and DELETE semantics of the real gateway.
package pushtest

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Gateway is a running in-memory Pushgateway.
type Gateway struct {
	server *httptest.Server

	mu       sync.Mutex
	groups   map[string]*group
	requests []Request
	status   int
}

// Request records one mutating call received by the gateway.
type Request struct {
	Method   string
	Job      string
	Grouping map[string]string
}

type group struct {
	job      string
	grouping map[string]string
	families map[string]*dto.MetricFamily
}

// NewGateway starts a gateway. Call Close when done.
func NewGateway() *Gateway {
	g := &Gateway{groups: make(map[string]*group)}
	r := chi.NewRouter()
	r.Get("/metrics", g.handleExpose)
	r.Route("/metrics/{jobKey}/{job}", func(r chi.Router) {
		r.Put("/", g.handleMutate)
		r.Post("/", g.handleMutate)
		r.Delete("/", g.handleMutate)
		r.Put("/*", g.handleMutate)
		r.Post("/*", g.handleMutate)
		r.Delete("/*", g.handleMutate)
	})
	g.server = httptest.NewServer(r)
	return g
}

// URL returns the gateway base URL.
func (g *Gateway) URL() string {
	return g.server.URL
}

// Close stops the gateway.
func (g *Gateway) Close() {
	g.server.Close()
}

// FailWith makes every subsequent mutating call answer with status. Zero
// restores normal behavior.
func (g *Gateway) FailWith(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
}

// Requests returns the mutating calls received so far.
func (g *Gateway) Requests() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Request(nil), g.requests...)
}

// Families returns the names of the families stored for job and grouping.
func (g *Gateway) Families(job string, grouping map[string]string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[groupKey(job, grouping)]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(grp.families))
	for name := range grp.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Value returns the value of the sample called name with exactly labels in
// the group for job and grouping.
func (g *Gateway) Value(job string, grouping map[string]string, name string, labels map[string]string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp, ok := g.groups[groupKey(job, grouping)]
	if !ok {
		return 0, false
	}
	mf, ok := grp.families[name]
	if !ok {
		return 0, false
	}
	for _, m := range mf.GetMetric() {
		if !labelsEqual(m.GetLabel(), labels) {
			continue
		}
		switch {
		case m.GetCounter() != nil:
			return m.GetCounter().GetValue(), true
		case m.GetGauge() != nil:
			return m.GetGauge().GetValue(), true
		case m.GetUntyped() != nil:
			return m.GetUntyped().GetValue(), true
		}
	}
	return 0, false
}

func (g *Gateway) handleMutate(w http.ResponseWriter, r *http.Request) {
	job, grouping, err := parseGrouping(chi.URLParam(r, "jobKey"), chi.URLParam(r, "job"), chi.URLParam(r, "*"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var families map[string]*dto.MetricFamily
	if r.Method != http.MethodDelete {
		families, err = decode(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, Request{Method: r.Method, Job: job, Grouping: grouping})
	if g.status != 0 {
		http.Error(w, "injected failure", g.status)
		return
	}

	key := groupKey(job, grouping)
	switch r.Method {
	case http.MethodDelete:
		delete(g.groups, key)
		w.WriteHeader(http.StatusAccepted)
		return
	case http.MethodPut:
		g.groups[key] = &group{job: job, grouping: grouping, families: families}
	case http.MethodPost:
		grp, ok := g.groups[key]
		if !ok {
			grp = &group{job: job, grouping: grouping, families: make(map[string]*dto.MetricFamily)}
			g.groups[key] = grp
		}
		for name, mf := range families {
			grp.families[name] = mf
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) handleExpose(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	merged := make(map[string]*dto.MetricFamily)
	for _, grp := range g.groups {
		extra := map[string]string{"job": grp.job}
		for k, v := range grp.grouping {
			extra[k] = v
		}
		for name, mf := range grp.families {
			out, ok := merged[name]
			if !ok {
				out = &dto.MetricFamily{Name: mf.Name, Help: mf.Help, Type: mf.Type}
				merged[name] = out
			}
			for _, m := range mf.GetMetric() {
				cp := proto.Clone(m).(*dto.Metric)
				cp.Label = withGroupingLabels(cp.GetLabel(), extra)
				out.Metric = append(out.Metric, cp)
			}
		}
	}
	g.mu.Unlock()

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	for _, name := range names {
		if _, err := expfmt.MetricFamilyToText(w, merged[name]); err != nil {
			return
		}
	}
}

func decode(r *http.Request) (map[string]*dto.MetricFamily, error) {
	dec := expfmt.NewDecoder(r.Body, expfmt.ResponseFormat(r.Header))
	families := make(map[string]*dto.MetricFamily)
	for {
		mf := &dto.MetricFamily{}
		if err := dec.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				return families, nil
			}
			return nil, fmt.Errorf("decode body: %w", err)
		}
		families[mf.GetName()] = mf
	}
}

func parseGrouping(jobKey, job, rest string) (string, map[string]string, error) {
	jobName, err := decodeSegment(jobKey, "job", job)
	if err != nil {
		return "", nil, err
	}
	grouping := make(map[string]string)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return jobName, grouping, nil
	}
	parts := strings.Split(rest, "/")
	if len(parts)%2 != 0 {
		return "", nil, fmt.Errorf("odd number of grouping segments in %q", rest)
	}
	for i := 0; i < len(parts); i += 2 {
		name := strings.TrimSuffix(parts[i], "@base64")
		value, err := decodeSegment(parts[i], name, parts[i+1])
		if err != nil {
			return "", nil, err
		}
		grouping[name] = value
	}
	return jobName, grouping, nil
}

func decodeSegment(key, name, value string) (string, error) {
	if key != name+"@base64" {
		if key != name {
			return "", fmt.Errorf("unexpected path segment %q", key)
		}
		return value, nil
	}
	if value == "=" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", name, err)
	}
	return string(raw), nil
}

func groupKey(job string, grouping map[string]string) string {
	names := make([]string, 0, len(grouping))
	for name := range grouping {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(job)
	for _, name := range names {
		b.WriteString("\xff")
		b.WriteString(name)
		b.WriteString("=")
		b.WriteString(grouping[name])
	}
	return b.String()
}

func labelsEqual(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(pairs) != len(labels) {
		return false
	}
	for _, lp := range pairs {
		if v, ok := labels[lp.GetName()]; !ok || v != lp.GetValue() {
			return false
		}
	}
	return true
}

func withGroupingLabels(pairs []*dto.LabelPair, extra map[string]string) []*dto.LabelPair {
	out := make([]*dto.LabelPair, 0, len(pairs)+len(extra))
	for _, lp := range pairs {
		if _, ok := extra[lp.GetName()]; !ok {
			out = append(out, lp)
		}
	}
	for name, value := range extra {
		out = append(out, &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}
