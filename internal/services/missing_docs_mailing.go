package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/repositories"
)

const (
	defaultMailingInterval  = 30 * 24 * time.Hour
	defaultMailingBatchSize = 200
)

// MissingDocsMailingDeps bundles collaborators for the reminder job.
type MissingDocsMailingDeps struct {
	Subscriptions repositories.SubscriptionRepository
	Users         repositories.UserRepository
	Publisher     NotificationPublisher
	Interval      time.Duration
	BatchSize     int
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type missingDocsMailing struct {
	subs      repositories.SubscriptionRepository
	users     repositories.UserRepository
	publisher NotificationPublisher
	interval  time.Duration
	batch     int
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

var _ MissingDocsMailingService = (*missingDocsMailing)(nil)

// NewMissingDocsMailingService constructs the reminder job.
func NewMissingDocsMailingService(deps MissingDocsMailingDeps) (MissingDocsMailingService, error) {
	if deps.Subscriptions == nil {
		return nil, errors.New("missing docs mailing: subscription repository is required")
	}
	if deps.Users == nil {
		return nil, errors.New("missing docs mailing: user repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("missing docs mailing: notification publisher is required")
	}
	interval := deps.Interval
	if interval <= 0 {
		interval = defaultMailingInterval
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultMailingBatchSize
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &missingDocsMailing{
		subs:      deps.Subscriptions,
		users:     deps.Users,
		publisher: deps.Publisher,
		interval:  interval,
		batch:     batch,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Run pages through subscriptions whose course requires student documents and reminds each
// student at most once per interval. A student is considered once per run.
func (m *missingDocsMailing) Run(ctx context.Context) (MailingReport, error) {
	now := m.clock()
	var report MailingReport
	seen := make(map[string]struct{})
	cursor := ""

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := m.subs.ListRequiringStudentDocs(ctx, cursor, m.batch)
		if err != nil {
			return report, fmt.Errorf("missing docs mailing: list subscriptions: %w", err)
		}
		for _, sub := range page {
			cursor = sub.ID
			report.Scanned++
			if _, ok := seen[sub.StudentID]; ok {
				continue
			}
			seen[sub.StudentID] = struct{}{}

			notified, err := m.remind(ctx, sub, now)
			if err != nil {
				return report, err
			}
			if notified {
				report.Notified++
			} else {
				report.Skipped++
			}
		}
		if len(page) < m.batch {
			break
		}
	}

	m.logger(ctx, "jobs.missing_docs_mailing.completed", map[string]any{
		"scanned":  report.Scanned,
		"notified": report.Notified,
		"skipped":  report.Skipped,
	})
	return report, nil
}

func (m *missingDocsMailing) remind(ctx context.Context, sub GroupSubscription, now time.Time) (bool, error) {
	user, err := m.users.FindByID(ctx, sub.StudentID)
	if err != nil {
		if isRepoNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("missing docs mailing: load student %s: %w", sub.StudentID, err)
	}
	if len(user.MissingDocuments) == 0 || user.NotificationsDisabled {
		return false, nil
	}
	if user.LastMissingDocsMailAt != nil && now.Sub(user.LastMissingDocsMailAt.UTC()) < m.interval {
		return false, nil
	}

	msg := NotificationMessage{
		ID:             m.newID(),
		Kind:           string(domain.NotificationMissingStudentDocs),
		UserID:         user.ID,
		SubscriptionID: sub.ID,
		Data: map[string]string{
			"email":     user.Email,
			"fullName":  user.FullName,
			"documents": strings.Join(user.MissingDocuments, ","),
		},
		CreatedAt: now,
	}
	if _, err := m.publisher.PublishNotification(ctx, msg); err != nil {
		m.logger(ctx, "jobs.missing_docs_mailing.publish_failed", map[string]any{
			"user":  user.ID,
			"error": err.Error(),
		})
		return false, nil
	}
	if err := m.users.RecordMissingDocsMailing(ctx, user.ID, now); err != nil {
		return false, fmt.Errorf("missing docs mailing: record mailing for %s: %w", user.ID, err)
	}
	return true, nil
}
