package redis

func crawlKey(crawlID string) string     { return "crawl:" + crawlID }
func limitKey(crawlID string) string     { return "crawl:" + crawlID + ":limit" }
func visitedKey(crawlID string) string   { return "crawl:" + crawlID + ":visited" }
func jobsKey(crawlID string) string      { return "crawl:" + crawlID + ":jobs" }
func doneKey(crawlID string) string      { return "crawl:" + crawlID + ":jobs_done" }
func finalizedKey(crawlID string) string { return "crawl:" + crawlID + ":finish" }
func inFlightKey(tenantID string) string { return "tenant:" + tenantID + ":inflight" }
