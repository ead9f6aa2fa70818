// Package crawler holds the shared vocabulary of the orchestrator: job and
// crawl records, the collaborator interfaces implemented by the frontier,
// queue, scrape and extraction packages, and small URL helpers.
package crawler
