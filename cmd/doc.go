// Package cmd defines the crawlq command line.
//
// Architecture overview:
//   - HTTP API: internal/api exposes health, metrics, scrape and crawl
//     endpoints in front of internal/crawl.Service.
//   - Queue and frontier: jobs live in a Redis-backed priority queue whose
//     active jobs are guarded by renewable locks; crawl state (claimed URLs,
//     job membership, completion) lives in the Redis frontier. Without Redis
//     the in-process stores are used, which only suit a single process.
//   - Workers: each worker checks host admission, pulls a job, renews its
//     lock while scraping, archives the page, expands links through the
//     frontier and finalizes the crawl once it drains.
//   - Notifications: lifecycle events are batched through internal/notify to
//     log, Prometheus, webhook, Kafka and Pub/Sub sinks.
//
// Commands:
//   - serve: API plus workers.
//   - worker: workers only, for horizontal scale-out behind one API.
//   - crawl: submit a crawl from the terminal and wait for it to finish.
package cmd
