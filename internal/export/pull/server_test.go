package pull

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statsbridge/internal/metrics"
	"github.com/JakeFAU/statsbridge/internal/naming"
	"github.com/JakeFAU/statsbridge/internal/registry"
	"github.com/JakeFAU/statsbridge/internal/stats"
)

func newCounter(t *testing.T) (*registry.Registry, *registry.Entry) {
	t.Helper()
	reg := registry.New()
	entry, created, err := reg.GetOrCreate(naming.DefaultPartition, "app_requests", registry.KindCounter, "requests", nil)
	require.NoError(t, err)
	require.True(t, created)
	return reg, entry
}

func scrapeValue(t *testing.T, body io.Reader, name string) float64 {
	t.Helper()
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == name {
			v, err := strconv.ParseFloat(fields[1], 64)
			require.NoError(t, err)
			return v
		}
	}
	require.NoError(t, scanner.Err())
	t.Fatalf("sample %s not found", name)
	return 0
}

func TestHandlerServesTextExposition(t *testing.T) {
	t.Parallel()

	reg, entry := newCounter(t)
	require.NoError(t, entry.Inc(stats.Labels{}, 3))
	srv := New(Config{Path: "/metrics"}, reg.Gatherer(naming.DefaultPartition))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	body := rec.Body.String()
	require.Contains(t, body, "# HELP app_requests requests")
	require.Contains(t, body, "# TYPE app_requests counter")
	require.Equal(t, 3.0, scrapeValue(t, strings.NewReader(body), "app_requests"))
}

func TestHandlerHealthzAndRequestID(t *testing.T) {
	t.Parallel()

	srv := New(Config{}, prometheus.NewRegistry())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "req-" + strconv.Itoa(g.n), nil
}

func TestHandlerUsesIDGenerator(t *testing.T) {
	t.Parallel()

	srv := New(Config{}, prometheus.NewRegistry(), WithIDGenerator(&seqIDs{}))
	for _, want := range []string{"req-1", "req-2"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, want, rec.Header().Get("X-Request-ID"))
	}
}

func TestHandlerRecordsSelfMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	srv := New(Config{Path: "/custom"}, prometheus.NewRegistry(), WithMetrics(m))
	for range 2 {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/custom", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	count, err := testutil.GatherAndCount(m.Gatherer(), "statsbridge_http_requests_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestServerStartShutdown(t *testing.T) {
	t.Parallel()

	reg, entry := newCounter(t)
	require.NoError(t, entry.Inc(stats.Labels{}, 1))
	srv := New(Config{Host: "127.0.0.1", Port: 0, Path: "/metrics"}, reg.Gatherer(naming.DefaultPartition))
	require.Empty(t, srv.Addr())
	require.NoError(t, srv.Start())
	require.Error(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	require.Equal(t, 1.0, scrapeValue(t, resp.Body, "app_requests"))
	require.NoError(t, resp.Body.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get("http://" + srv.Addr() + "/metrics")
	require.Error(t, err)
}

func TestShutdownBeforeStart(t *testing.T) {
	t.Parallel()

	require.NoError(t, New(Config{}, prometheus.NewRegistry()).Shutdown(context.Background()))
}

func TestConcurrentScrapesSeeMonotonicCounter(t *testing.T) {
	t.Parallel()

	reg, entry := newCounter(t)
	srv := httptest.NewServer(New(Config{}, reg.Gatherer(naming.DefaultPartition)).Handler())
	defer srv.Close()

	const increments = 1000
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for range increments {
			if err := entry.Inc(stats.Labels{}, 1); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	scrapers := 4
	errs := make(chan error, scrapers)
	for range scrapers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := -1.0
			for {
				select {
				case <-done:
					errs <- nil
					return
				default:
				}
				resp, err := http.Get(srv.URL + "/metrics")
				if err != nil {
					errs <- err
					return
				}
				body, err := io.ReadAll(resp.Body)
				_ = resp.Body.Close()
				if err != nil {
					errs <- err
					return
				}
				v := sampleOrZero(string(body), "app_requests")
				if v < last {
					errs <- &decreaseError{prev: last, got: v}
					return
				}
				last = v
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, float64(increments), scrapeValue(t, resp.Body, "app_requests"))
}

type decreaseError struct {
	prev, got float64
}

func (e *decreaseError) Error() string {
	return "counter decreased from " + strconv.FormatFloat(e.prev, 'f', -1, 64) +
		" to " + strconv.FormatFloat(e.got, 'f', -1, 64)
}

func sampleOrZero(body, name string) float64 {
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == name {
			v, err := strconv.ParseFloat(fields[1], 64)
			if err == nil {
				return v
			}
		}
	}
	return 0
}
