package dispatch

import (
	"fmt"
	"strings"
	"time"

	"facebook-post-scheduler/internal/models"
)

// affiliateHeader prefixes the rendered purchase links in the post body.
const affiliateHeader = "Đặt mua sản phẩm giá tốt tại:"

// Payload is the JSON body POSTed to the automation webhook. Field names are
// part of the downstream scenario contract and must not change.
type Payload struct {
	ScheduleID         string   `json:"scheduleId"`
	ReviewID           string   `json:"reviewId"`
	PostType           string   `json:"postType"`
	TargetType         string   `json:"targetType"`
	TargetID           string   `json:"targetId"`
	TargetName         string   `json:"targetName"`
	Message            string   `json:"message"`
	LandingPageURL     string   `json:"landing_page_url"`
	ImageURL           string   `json:"imageUrl"`
	VideoURL           string   `json:"videoUrl"`
	VideoTitle         string   `json:"videoTitle"`
	ChannelName        string   `json:"channelName"`
	AffiliateLinksText string   `json:"affiliateLinksText"`
	ReviewSummary      string   `json:"reviewSummary"`
	ReviewPros         []string `json:"reviewPros"`
	ReviewCons         []string `json:"reviewCons"`
	ReviewKeyPoints    []string `json:"reviewKeyPoints"`
	ReviewTargetAud    []string `json:"reviewTargetAudience"`
	ReviewCTA          string   `json:"reviewCta"`
	ReviewSEOKeywords  []string `json:"review_seo_keywords"`
	ScheduledFor       string   `json:"scheduledFor"`
	TriggeredAt        string   `json:"triggeredAt"`
	RetryAttempt       int      `json:"retryAttempt"`
	Secret             string   `json:"secret,omitempty"`
}

// BuildPayload assembles the delivery body from the schedule's denormalized
// snapshot, so no review row is consulted at send time.
func BuildPayload(sched models.Schedule, postType string, triggeredAt time.Time, secret string) Payload {
	return Payload{
		ScheduleID:         sched.ID,
		ReviewID:           sched.ReviewID,
		PostType:           postType,
		TargetType:         sched.TargetType,
		TargetID:           sched.TargetID,
		TargetName:         sched.TargetName,
		Message:            sched.Message,
		LandingPageURL:     sched.LandingPageURL,
		ImageURL:           sched.Snapshot.ImageURL,
		VideoURL:           sched.Snapshot.VideoURL,
		VideoTitle:         sched.Snapshot.VideoTitle,
		ChannelName:        sched.Snapshot.ChannelName,
		AffiliateLinksText: FormatAffiliateLinks(sched.AffiliateLinks),
		ReviewSummary:      sched.Snapshot.Summary,
		ReviewPros:         emptyToSlice(sched.Snapshot.Pros),
		ReviewCons:         emptyToSlice(sched.Snapshot.Cons),
		ReviewKeyPoints:    emptyToSlice(sched.Snapshot.KeyPoints),
		ReviewTargetAud:    emptyToSlice(sched.Snapshot.TargetAudience),
		ReviewCTA:          sched.Snapshot.CTA,
		ReviewSEOKeywords:  emptyToSlice(sched.Snapshot.SEOKeywords),
		ScheduledFor:       sched.ScheduledFor.UTC().Format(time.RFC3339),
		TriggeredAt:        triggeredAt.UTC().Format(time.RFC3339),
		RetryAttempt:       sched.RetryCount,
		Secret:             secret,
	}
}

// FormatAffiliateLinks renders purchase links as post text under a fixed
// header. A link without any usable URL is skipped; the tracking URL wins
// over the raw one when present. Returns "" when nothing is renderable.
func FormatAffiliateLinks(links []models.AffiliateLink) string {
	var b strings.Builder
	for _, link := range links {
		url := link.TrackingURL
		if url == "" {
			url = link.URL
		}
		if url == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString(affiliateHeader)
		}
		b.WriteString("\n- ")
		b.WriteString(link.Platform)
		b.WriteString(": ")
		b.WriteString(url)
		if link.Price != "" {
			fmt.Fprintf(&b, " (%s)", link.Price)
		}
	}
	return b.String()
}

func emptyToSlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
