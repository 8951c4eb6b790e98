// Architecture overview:
//   - Stages: discovery enumerates each tracked owner's listing with a headless Chromedp browser and pushes
//     new candidates onto the metadata queue; the metadata stage fetches the item page with Colly, resolves the
//     publish date and upserts the record; the download stage fetches the asset to a deterministic path,
//     renders a letterboxed JPEG thumbnail and finalizes the record into the date, tag and owner indexes.
//   - Coordination: every queue, index, lease and in-flight marker lives in Redis (internal/store). Claims are
//     atomic Lua scripts, so a stage may run any number of workers across processes. Items left in flight by a
//     crashed process are recovered as a failed attempt before workers start.
//   - Retries: failures go to the back of the stage queue until the retry ceiling, then to a dead-letter queue
//     that only an operator drains (clipvault requeue --dead or POST /v1/requeue/{stage}/dead).
//   - Scheduling: robfig/cron fires discovery (serialized by a Redis lease) and reconciliation, which repairs
//     drift between the indexes and the files under the downloads root.
//   - Side effects: finalized downloads may be mirrored to GCS, recorded in a Postgres ledger and announced on
//     Pub/Sub. None of them can fail an item.
//   - Plumbing: Viper loads config from YAML and CLIPVAULT_* env vars; zap provides structured logging;
//     Prometheus metrics are served at /metrics by the chi admin API.
//
// Quick checklist:
//   - Configure fetcher.headless.listing_url and discovery.owners (or add owners with clipvault track).
//   - Run everything: clipvault run --config config.yaml. Single stages: clipvault metadata, clipvault download.
//   - Probes: /healthz is always ok; /readyz pings Redis.
package main
