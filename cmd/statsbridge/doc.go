// Package main hosts the statsbridge binary.
//
// Architecture overview:
//   - Ingestion: stat updates (set, inc, max, min) land in an in-process snapshot and are mirrored into Prometheus
//     metrics. A naming strategy maps each hierarchical key ("downloader/response_count") to a metric name and labels;
//     the registry binds every name to one metric kind for its lifetime.
//   - Export: the default partition is served on a scrape endpoint (chi + promhttp) and every partition is pushed to a
//     Pushgateway when its entity closes. Pushes are additive unless push.method says replace.
//   - Persistence: the final snapshot of every closed entity goes to the configured backend (memory, log, Postgres, GCS
//     or Pub/Sub).
//
// Commands:
//   - serve: reads update lines from stdin ("inc downloader/request_count 1 news", "open news", "close news finished")
//     and keeps the scrape endpoint up until SIGINT/SIGTERM.
//   - crawl: runs an instrumented Colly crawl over crawl.seeds, one entity per site, and reports it through the bridge.
//
// Configuration comes from an optional YAML file plus STATSBRIDGE_* environment variables, e.g.
// STATSBRIDGE_PUSH_ADDRESS=http://pushgateway:9091 or STATSBRIDGE_ENDPOINT_PORT=9410.
package main
