package coordinator

import "fmt"

// Key helpers centralize the namespace in one place (spec §3, §9 "confine
// coordinator access to a single layer"). Every other package reaches the
// keyspace only through these functions or the typed helpers in typed.go.

// TotalPages is written by every General worker once it has discovered the
// site's page count, and read by the Manager.
func TotalPages() string { return "totalPages" }

// TotalProducts is written alongside TotalPages for Product-worker logging.
func TotalProducts() string { return "totalProducts" }

// GeneralHeartbeat is refreshed by General worker id every H seconds.
func GeneralHeartbeat(id string) string { return fmt.Sprintf("general/%s/heartbeat", id) }

// ProductHeartbeat is refreshed by Product worker id every H seconds.
func ProductHeartbeat(id string) string { return fmt.Sprintf("product/%s/heartbeat", id) }

// GeneralPages holds the {start,end} range assigned to General worker id.
func GeneralPages(id string) string { return fmt.Sprintf("general/%s/pages", id) }

// GeneralComplete is "1" once General worker id has drained its assignment.
func GeneralComplete(id string) string { return fmt.Sprintf("general/%s/complete", id) }

// GeneralProcessing is "1" while General worker id is mid-batch.
func GeneralProcessing(id string) string { return fmt.Sprintf("general/%s/processing", id) }

// ProductPages holds the JSON array of page numbers assigned to Product worker id.
func ProductPages(id string) string { return fmt.Sprintf("product/%s/pages", id) }

// ProductComplete is "1" once Product worker id has drained its page list.
func ProductComplete(id string) string { return fmt.Sprintf("product/%s/complete", id) }

// TabsReady is a "1" flag set once a General worker has finished opening a batch's tabs.
func TabsReady() string { return "tabsReady" }

// CrawlTrigger is a "1" flag that releases Product workers to start extracting.
func CrawlTrigger() string { return "crawlTrigger" }

// BatchStart is the first page number of the General worker's in-flight batch.
func BatchStart() string { return "batch/start" }

// BatchEnd is the last page number of the General worker's in-flight batch.
func BatchEnd() string { return "batch/end" }

// BatchComplete is "1" once every live Product worker has drained the in-flight batch.
func BatchComplete() string { return "batchComplete" }

// RotationIndex is the round-robin cursor into the live General worker list.
func RotationIndex() string { return "rotation/index" }

// RotationLastAssignedPage is the high-water mark of rotation-mode assignment.
func RotationLastAssignedPage() string { return "rotation/lastAssignedPage" }

// SessionCookies holds the JSON-encoded shared browser cookie jar.
func SessionCookies() string { return "session/cookies" }

// SessionValid is "1" when SessionCookies holds a verified, logged-in session.
func SessionValid() string { return "session/valid" }

// Lock is the mutual-exclusion key for a given role ("manager" or "general"/"product") and id.
func Lock(role, id string) string { return fmt.Sprintf("lock/%s-%s", role, id) }
