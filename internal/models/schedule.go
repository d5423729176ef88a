package models

import (
	"time"
)

// ScheduleStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusPosted     = "posted"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// TargetType enumerates supported Facebook destinations.
const (
	TargetPage  = "page"
	TargetGroup = "group"
)

// AffiliateLink is one purchase link attached to a scheduled post.
type AffiliateLink struct {
	Platform    string `json:"platform"`
	URL         string `json:"url"`
	TrackingURL string `json:"tracking_url,omitempty"`
	Price       string `json:"price,omitempty"`
	Discount    string `json:"discount,omitempty"`
}

// ReviewSnapshot carries the review content copied onto the schedule at
// creation time, so dispatch never has to re-read the review row.
type ReviewSnapshot struct {
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	Pros           []string `json:"pros"`
	Cons           []string `json:"cons"`
	KeyPoints      []string `json:"key_points"`
	TargetAudience []string `json:"target_audience"`
	CTA            string   `json:"cta"`
	SEOKeywords    []string `json:"seo_keywords"`
	VideoURL       string   `json:"video_url"`
	VideoTitle     string   `json:"video_title"`
	ChannelName    string   `json:"channel_name"`
	ImageURL       string   `json:"image_url"`
}

// Schedule represents one post-dispatch job persisted in Postgres.
type Schedule struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	ReviewID       string          `json:"review_id"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	Timezone       string          `json:"timezone"`
	TargetType     string          `json:"target_type"`
	TargetID       string          `json:"target_id"`
	TargetName     string          `json:"target_name"`
	Message        string          `json:"message"`
	LandingPageURL string          `json:"landing_page_url"`
	AffiliateLinks []AffiliateLink `json:"affiliate_links"`
	Snapshot       ReviewSnapshot  `json:"snapshot"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	PostedAt       *time.Time      `json:"posted_at,omitempty"`
	PostID         *string         `json:"post_id,omitempty"`
	PostURL        *string         `json:"post_url,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the schedule may never be dispatched again.
func (s Schedule) Terminal() bool {
	if s.Status == StatusPosted || s.Status == StatusCancelled {
		return true
	}
	return s.Status == StatusFailed && s.RetryCount >= s.MaxRetries
}

// PostResult carries the outcome of a successful webhook delivery.
type PostResult struct {
	PostedAt time.Time
	PostID   string
	PostURL  string
}

// DeliveryLog is one audit row per webhook delivery attempt.
type DeliveryLog struct {
	ID             string     `json:"id"`
	ScheduleID     string     `json:"schedule_id"`
	Attempt        int        `json:"attempt"`
	Payload        []byte     `json:"payload"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	ResponseBody   *string    `json:"response_body,omitempty"`
	SentAt         time.Time  `json:"sent_at"`
	ReceivedAt     *time.Time `json:"received_at,omitempty"`
}
