// Package notify delivers crawl lifecycle events. Workers and the crawl
// service call Hub.Emit, which never blocks; a background goroutine batches
// events and fans them out to sinks such as webhooks, Kafka or Pub/Sub.
// Page and failure events may be dropped when the buffer is full; crawl
// start and completion events are held until delivered.
package notify
