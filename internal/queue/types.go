// Package queue defines the work queue records and the claim/complete protocol
// shared by every queue kind the daemon drains.
package queue

import (
	"errors"
	"time"
)

// Kind identifies one of the independent remote queues.
type Kind string

// Queue kinds served by the queue service.
const (
	KindScraperDev Kind = "scraper_dev"
	KindDirectory  Kind = "directory"
	KindContact    Kind = "contact"
	KindDiscovery  Kind = "discovery"
)

// Status represents the lifecycle state of a queue item.
type Status string

// Status values persisted by the queue service.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends an item's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrNotFound is returned when an item id does not exist.
	ErrNotFound = errors.New("queue item not found")
	// ErrInvalidTransition is returned when an item is not in the status an
	// operation requires, e.g. completing an item that is already terminal.
	ErrInvalidTransition = errors.New("queue item not in expected status")
)

// Header carries the claim bookkeeping common to every queue record.
type Header struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Head exposes the header so backends can manage claims generically.
func (h *Header) Head() *Header { return h }

// FeedbackEntry is one note attached to a scraper development request.
type FeedbackEntry struct {
	Note string    `json:"note"`
	By   string    `json:"by"`
	At   time.Time `json:"at"`
}

// ScraperDevRequest asks for a site scraper to be generated for SourceURL.
type ScraperDevRequest struct {
	Header
	SourceURL        string          `json:"source_url"`
	SourceName       string          `json:"source_name,omitempty"`
	City             string          `json:"city,omitempty"`
	SessionStartedAt *time.Time      `json:"session_started_at,omitempty"`
	ScraperVersion   int             `json:"scraper_version"`
	FeedbackHistory  []FeedbackEntry `json:"feedback_history,omitempty"`
}

// ScraperDevResult is reported when a code-generation session exits cleanly.
type ScraperDevResult struct {
	Duration   time.Duration `json:"duration"`
	OutputTail string        `json:"output_tail,omitempty"`
}

// DirectoryItem is an aggregator page whose outbound links become candidate
// organizations.
type DirectoryItem struct {
	Header
	URL           string   `json:"url"`
	LinkPattern   string   `json:"link_pattern,omitempty"`
	BaseURLFilter string   `json:"base_url_filter,omitempty"`
	ExtractedURLs []string `json:"extracted_urls,omitempty"`
}

// DirectoryResult is the terminal payload of a crawled directory.
type DirectoryResult struct {
	ExtractedURLs []string `json:"extracted_urls"`
}

// ContactItem is an organization that still lacks contact details.
type ContactItem struct {
	Header
	Name    string       `json:"name,omitempty"`
	Website string       `json:"website"`
	Contact *ContactInfo `json:"contact,omitempty"`
}

// ContactInfo holds whatever contact fields extraction found. Every field is
// optional; an empty value still marks the organization as attempted.
type ContactInfo struct {
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	ContactName  string `json:"contactName,omitempty"`
	ContactTitle string `json:"contactTitle,omitempty"`
	Address      string `json:"address,omitempty"`
}

// Empty reports whether no field was found.
func (c ContactInfo) Empty() bool {
	return c == ContactInfo{}
}

// Candidate is a discovered web address not yet confirmed as an organization.
type Candidate struct {
	URL    string `json:"url"`
	Domain string `json:"domain"`
	Source string `json:"source"`
	Title  string `json:"title,omitempty"`
}

// DiscoveryProgress is the resumable state of a market discovery run.
type DiscoveryProgress struct {
	SearchesCompleted int         `json:"searches_completed"`
	URLsDiscovered    int         `json:"urls_discovered"`
	DirectoriesFound  int         `json:"directories_found"`
	Candidates        []Candidate `json:"candidates,omitempty"`
}

// DiscoveryTask asks for a region to be searched for camp organizations.
type DiscoveryTask struct {
	Header
	RegionName    string            `json:"region_name"`
	SearchQueries []string          `json:"search_queries"`
	Progress      DiscoveryProgress `json:"progress"`
	Result        *DiscoveryResult  `json:"result,omitempty"`
}

// Organization is a camp provider record created from a candidate.
type Organization struct {
	ID      string       `json:"id"`
	Name    string       `json:"name,omitempty"`
	Website string       `json:"website"`
	Domain  string       `json:"domain"`
	Source  string       `json:"source"`
	City    string       `json:"city,omitempty"`
	Contact *ContactInfo `json:"contact,omitempty"`
}

// CreationSummary counts records created from a candidate list.
type CreationSummary struct {
	OrganizationsCreated   int `json:"organizations_created"`
	ScraperRequestsCreated int `json:"scraper_requests_created"`
}

// DiscoveryResult is the terminal payload of a discovery task.
type DiscoveryResult struct {
	URLsDiscovered    int `json:"urls_discovered"`
	DirectoriesFound  int `json:"directories_found"`
	SearchesCompleted int `json:"searches_completed"`
	CreationSummary
	// Candidates travel to completion hooks only and are never stored.
	Candidates []Candidate `json:"-"`
}
