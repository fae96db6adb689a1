// Package main hosts the svi-collector batch job.
//
// Each invocation performs one pass:
//   - Universe: the item catalog is read from the worker's /api/universe route,
//     falling back to /api/cards when the first answer is empty or fails. Both
//     URLs default to the ingest URL with /ingest/trends swapped out.
//   - Terms and batches: every item with a usable id becomes one query term of
//     at most 70 characters, and terms are grouped five at a time.
//   - Provider: each batch is one Google Trends interest-over-time query, paced
//     by a token bucket and retried up to four times with attempt-scaled,
//     jittered waits. A batch that never succeeds is skipped. A 429 with
//     Retry-After holds the host for that long. With cache.redis_url set,
//     answers are cached in Redis and reused by reruns over the same window.
//   - Delivery: rows are POSTed to the ingest route after every batch (stream)
//     or once at the end (buffer). A rejected POST is logged and the run goes on;
//     an unreachable endpoint ends the run with exit status 1.
//   - Mirrors: batches can also be upserted into Postgres and written as CSV to
//     GCS or a local directory. Mirror failures never stop the run.
//   - Summary: the run summary is logged, exported as Prometheus gauges, pushed
//     to a Pushgateway and published to Pub/Sub when those are configured.
//
// Configuration comes from an optional file (-config), SVI_* variables and the
// legacy INGEST_URL, INGEST_TOKEN, MAX_CARDS, BATCH_SIZE, SLEEP_BASE_SEC,
// TIMEFRAME and UNIVERSE_URL variables. A .env file in the working directory is
// loaded first without overriding the environment.
//
// Run locally: go run ./cmd/svicollector -config config.yaml
package main
