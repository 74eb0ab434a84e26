// Command campd is the camp discovery scraper daemon.
//
// Architecture overview:
//   - Scheduler: internal/daemon claims pending scraper-build requests for idle
//     worker slots every poll interval and runs the directory, contact,
//     discovery and stuck-session recovery drains on cron intervals.
//   - Queue service: every work item lives in internal/queue, backed by Postgres
//     (conditional UPDATE claims) or an in-memory store for local runs.
//   - Fetch pipeline: a Colly GET first; a 403 or request failure escalates to
//     one chromedp browser session, optionally snapshotted to local disk or GCS.
//   - Extraction: goquery link and search-result scans, with an Anthropic model
//     filling contact and search schemas when an API key is configured.
//   - Ops: zap logs to stderr and /tmp/campd.log; Prometheus metrics, slot
//     status and operator enqueue endpoints are served when ops.addr is set.
package main

import "github.com/JakeFAU/camp-discovery-daemon/cmd"

func main() {
	cmd.Execute()
}
