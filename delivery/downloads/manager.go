// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package downloads

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/private/sync2"
)

// Config contains download manager settings.
type Config struct {
	CleanupInterval  time.Duration `help:"how often expired links are removed" default:"60m"`
	DefaultTTL       time.Duration `help:"link lifetime when the destination does not set one" default:"24h"`
	DefaultMaxAccess int           `help:"access cap when the destination does not set one" default:"10"`
}

// Manager tracks download links.
//
// architecture: Service
type Manager struct {
	log    *zap.Logger
	db     DB
	config Config

	Cleanup *sync2.Cycle
}

// NewManager creates a download manager.
func NewManager(log *zap.Logger, db DB, config Config) *Manager {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 24 * time.Hour
	}
	if config.DefaultMaxAccess <= 0 {
		config.DefaultMaxAccess = 10
	}
	return &Manager{
		log:     log,
		db:      db,
		config:  config,
		Cleanup: sync2.NewCycle(config.CleanupInterval),
	}
}

// Run starts the cleanup chore. It blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return m.Cleanup.Run(ctx, func(ctx context.Context) error {
		if _, _, err := m.CleanupExpiredLinks(ctx); err != nil {
			m.log.Error("download link cleanup failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the cleanup chore.
func (m *Manager) Close() error {
	m.Cleanup.Close()
	return nil
}

// CreateLink creates a link row for a completed delivery.
func (m *Manager) CreateLink(ctx context.Context, orgID, deliveryID, objectType, fileName string, fileSize int64, ttl time.Duration, maxAccess int) (_ Link, err error) {
	defer mon.Task()(&ctx)(&err)

	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	if maxAccess <= 0 {
		maxAccess = m.config.DefaultMaxAccess
	}
	now := time.Now().UTC()
	return m.db.Create(ctx, Link{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		DeliveryID:     deliveryID,
		ObjectType:     objectType,
		FileName:       fileName,
		FileSize:       fileSize,
		ExpiresAt:      now.Add(ttl),
		MaxAccess:      maxAccess,
		IsActive:       true,
		CreatedAt:      now,
	})
}

// ValidateAccess decides whether an access attempt is allowed and records
// the attempt either way.
func (m *Manager) ValidateAccess(ctx context.Context, linkID, userID, ip, userAgent string) (_ AccessDecision, err error) {
	defer mon.Task()(&ctx)(&err)

	decision := m.decide(ctx, linkID)
	recordErr := m.db.RecordAccess(ctx, Access{
		LinkID:    linkID,
		Success:   decision.Allowed,
		UserID:    userID,
		IP:        ip,
		UserAgent: userAgent,
		Reason:    decision.Reason,
		At:        time.Now().UTC(),
	})
	if recordErr != nil && !ErrNotFound.Has(recordErr) {
		return decision, Error.Wrap(recordErr)
	}
	return decision, nil
}

func (m *Manager) decide(ctx context.Context, linkID string) AccessDecision {
	link, err := m.db.Get(ctx, linkID)
	if err != nil {
		return AccessDecision{Reason: "link not found"}
	}
	if !link.IsActive {
		reason := "link revoked"
		if link.RevokedReason != "" {
			reason = "link revoked: " + link.RevokedReason
		}
		return AccessDecision{Reason: reason}
	}
	now := time.Now().UTC()
	if !now.Before(link.ExpiresAt) {
		return AccessDecision{Reason: "link expired"}
	}
	if link.MaxAccess > 0 && link.AccessCount >= link.MaxAccess {
		return AccessDecision{Reason: "access limit reached"}
	}

	remaining := 0
	if link.MaxAccess > 0 {
		remaining = link.MaxAccess - link.AccessCount - 1
	}
	return AccessDecision{
		Allowed:         true,
		RemainingAccess: remaining,
		TimeUntilExpiry: link.ExpiresAt.Sub(now),
	}
}

// RecordAccess appends an access record outside the validation path, for
// callers that gate access themselves.
func (m *Manager) RecordAccess(ctx context.Context, linkID string, success bool, userID, ip, userAgent string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(m.db.RecordAccess(ctx, Access{
		LinkID:    linkID,
		Success:   success,
		UserID:    userID,
		IP:        ip,
		UserAgent: userAgent,
		At:        time.Now().UTC(),
	}))
}

// Revoke deactivates a link.
func (m *Manager) Revoke(ctx context.Context, linkID, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(m.db.Revoke(ctx, linkID, reason, time.Now().UTC()))
}

// analyticsWindow bounds GetAnalytics when the caller gives no start time.
const analyticsWindow = 30 * 24 * time.Hour

// recentActivityLimit caps the recent activity list in analytics.
const recentActivityLimit = 50

// GetAnalytics summarizes download activity for an organization over the
// window, with a daily creation histogram and the most recent accesses.
func (m *Manager) GetAnalytics(ctx context.Context, orgID string, start, end time.Time, objectType string) (_ Analytics, err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	if end.IsZero() {
		end = now
	}
	if start.IsZero() {
		start = end.Add(-analyticsWindow)
	}

	links, err := m.db.FindByOrganization(ctx, orgID, start, objectType)
	if err != nil {
		return Analytics{}, Error.Wrap(err)
	}

	byType := map[string]int{}
	byDay := map[time.Time]int{}
	totalAccesses := 0
	for _, link := range links {
		if link.CreatedAt.After(end) {
			continue
		}
		byType[link.ObjectType]++
		day := link.CreatedAt.Truncate(24 * time.Hour)
		byDay[day]++
		totalAccesses += link.AccessCount
	}

	recent, err := m.db.RecentAccesses(ctx, orgID, recentActivityLimit)
	if err != nil {
		return Analytics{}, Error.Wrap(err)
	}
	users := map[string]struct{}{}
	for _, access := range recent {
		if access.UserID != "" {
			users[access.UserID] = struct{}{}
		}
	}

	analytics := Analytics{
		TotalLinks:     len(links),
		TotalAccesses:  totalAccesses,
		UniqueUsers:    len(users),
		RecentActivity: recent,
	}
	for objectType, count := range byType {
		analytics.TopObjectTypes = append(analytics.TopObjectTypes, ObjectTypeCount{ObjectType: objectType, Count: count})
	}
	sort.Slice(analytics.TopObjectTypes, func(i, j int) bool {
		a, b := analytics.TopObjectTypes[i], analytics.TopObjectTypes[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ObjectType < b.ObjectType
	})
	for day, count := range byDay {
		analytics.DailyHistogram = append(analytics.DailyHistogram, DayCount{Day: day, Count: count})
	}
	sort.Slice(analytics.DailyHistogram, func(i, j int) bool {
		return analytics.DailyHistogram[i].Day.Before(analytics.DailyHistogram[j].Day)
	})
	return analytics, nil
}

// topKeyLimit caps the ranked user agent and address lists in link stats.
const topKeyLimit = 5

// GetLinkStats summarizes one link's access history.
func (m *Manager) GetLinkStats(ctx context.Context, linkID string) (_ LinkStats, err error) {
	defer mon.Task()(&ctx)(&err)

	accesses, err := m.db.ListAccesses(ctx, linkID, 0)
	if err != nil {
		return LinkStats{}, Error.Wrap(err)
	}

	now := time.Now().UTC()
	var stats LinkStats
	successes := 0
	byAgent := map[string]int{}
	byIP := map[string]int{}
	hourly := map[time.Time]int{}
	daily := map[time.Time]int{}
	for _, access := range accesses {
		age := now.Sub(access.At)
		if age > analyticsWindow {
			continue
		}
		stats.Accesses30d++
		daily[access.At.Truncate(24*time.Hour)]++
		if age <= 24*time.Hour {
			stats.Accesses24h++
			hourly[access.At.Truncate(time.Hour)]++
		}
		if access.Success {
			successes++
		}
		byAgent[access.UserAgent]++
		byIP[access.IP]++
	}
	if stats.Accesses30d > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.Accesses30d)
	}
	stats.Hourly = sortedBuckets(hourly)
	stats.Daily = sortedBuckets(daily)
	stats.TopUserAgents = rankKeys(byAgent, topKeyLimit)
	stats.TopIPs = rankKeys(byIP, topKeyLimit)
	return stats, nil
}

func sortedBuckets(counts map[time.Time]int) []BucketCount {
	buckets := make([]BucketCount, 0, len(counts))
	for start, count := range counts {
		buckets = append(buckets, BucketCount{Start: start, Count: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Start.Before(buckets[j].Start)
	})
	return buckets
}

func rankKeys(counts map[string]int, limit int) []KeyCount {
	ranked := make([]KeyCount, 0, len(counts))
	for key, count := range counts {
		if key == "" {
			continue
		}
		ranked = append(ranked, KeyCount{Key: key, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Key < b.Key
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// CleanupExpiredLinks removes expired and revoked links, returning the rows
// removed and the bytes their files accounted for.
func (m *Manager) CleanupExpiredLinks(ctx context.Context) (removed int64, bytesFreed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	removed, bytesFreed, err = m.db.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, 0, Error.Wrap(err)
	}
	if removed > 0 {
		m.log.Info("expired download links removed",
			zap.Int64("count", removed),
			zap.Int64("bytes_freed", bytesFreed))
	}
	return removed, bytesFreed, nil
}
