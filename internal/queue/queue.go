package queue

import (
	"context"
	"time"
)

// Record is satisfied by a pointer to any queue record embedding Header. It
// lets backends manage claim bookkeeping without knowing the record kind.
type Record[T any] interface {
	*T
	Head() *Header
}

// Lane is the claim/complete protocol every queue kind shares. T is the record
// type handed to workers and R the payload reported on completion.
//
// Claim is a conditional write enforced by the queue service: ok == false with
// a nil error means another worker won the race and the caller must skip the
// item. Complete and Fail only succeed while workerID still holds the claim;
// calling either on a terminal item, or after the claim passed to another
// worker, returns ErrInvalidTransition.
type Lane[T any, R any] interface {
	Pending(ctx context.Context, limit int) ([]T, error)
	Claim(ctx context.Context, id, workerID string) (item T, ok bool, err error)
	Complete(ctx context.Context, id, workerID string, result R) error
	Fail(ctx context.Context, id, workerID, reason string) error
}

// ScraperDevQueue adds the session bookkeeping and recovery calls used by the
// scraper development supervisor and stuck-task recovery.
type ScraperDevQueue interface {
	Lane[ScraperDevRequest, ScraperDevResult]
	PendingInCity(ctx context.Context, city string, limit int) ([]ScraperDevRequest, error)
	MarkSessionStarted(ctx context.Context, id, workerID string, at time.Time) error
	InProgress(ctx context.Context) ([]ScraperDevRequest, error)
	SubmitFeedback(ctx context.Context, id, note, by string) error
	ForceRestart(ctx context.Context, id string) error
}

// DiscoveryQueue adds incremental progress reporting and candidate creation.
type DiscoveryQueue interface {
	Lane[DiscoveryTask, DiscoveryResult]
	ReportProgress(ctx context.Context, id, workerID string, progress DiscoveryProgress) error
	CreateOrganizations(ctx context.Context, taskID string, candidates []Candidate) (CreationSummary, error)
}

// Client is the typed access point to the four remote queues.
type Client interface {
	ScraperDev() ScraperDevQueue
	Directory() Lane[DirectoryItem, DirectoryResult]
	Contact() Lane[ContactItem, ContactInfo]
	Discovery() DiscoveryQueue
	Close()
}

// Enqueuer creates new work items on behalf of an operator.
type Enqueuer interface {
	EnqueueDirectory(ctx context.Context, item DirectoryItem) (string, error)
	EnqueueDiscovery(ctx context.Context, task DiscoveryTask) (string, error)
	EnqueueScraperDev(ctx context.Context, req ScraperDevRequest) (string, error)
}

// MergeProgress folds an incoming report into the stored one without letting
// any counter move backwards. Candidates are unioned by domain.
func MergeProgress(stored, incoming DiscoveryProgress) DiscoveryProgress {
	merged := DiscoveryProgress{
		SearchesCompleted: max(stored.SearchesCompleted, incoming.SearchesCompleted),
		URLsDiscovered:    max(stored.URLsDiscovered, incoming.URLsDiscovered),
		DirectoriesFound:  max(stored.DirectoriesFound, incoming.DirectoriesFound),
	}
	seen := make(map[string]struct{}, len(stored.Candidates)+len(incoming.Candidates))
	for _, list := range [][]Candidate{stored.Candidates, incoming.Candidates} {
		for _, c := range list {
			if _, dup := seen[c.Domain]; dup {
				continue
			}
			seen[c.Domain] = struct{}{}
			merged.Candidates = append(merged.Candidates, c)
		}
	}
	return merged
}
