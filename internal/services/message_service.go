// Package services – MessageService
//
// This file implements MessageService, the append-only message store. It
// validates and normalizes inbound bodies and sender labels, checks that the
// target room resolves, and persists messages with a server-assigned,
// per-room non-decreasing timestamp. History reads are newest first; an
// empty room yields an empty page rather than an error.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include room identifiers and pagination parameters where applicable.

package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/repo"
	"github.com/tbourn/go-market-chat/internal/utils"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/unicode/norm"
)

// MessageRepo defines the repository contract required by MessageService.
type MessageRepo interface {
	RoomExists(ctx context.Context, db *gorm.DB, id string) (bool, error)
	CreateMessage(ctx context.Context, db *gorm.DB, roomID, sender, body string) (*domain.Message, error)
	LatestMessage(ctx context.Context, db *gorm.DB, roomID string) (*domain.Message, error)
	CountMessages(ctx context.Context, db *gorm.DB, roomID string) (int64, error)
	ListMessagesPage(ctx context.Context, db *gorm.DB, roomID string, offset, limit int) ([]domain.Message, error)
	RecentMessages(ctx context.Context, db *gorm.DB, roomID string, limit int) ([]domain.Message, error)
}

const (
	defaultMaxBodyRunes   = 2000
	defaultMaxSenderRunes = 128
)

// MessageService persists and reads chat messages.
type MessageService struct {
	DB   *gorm.DB
	Repo MessageRepo

	// Optional guards
	MaxBodyRunes   int
	MaxSenderRunes int

	// StripHTML removes markup from bodies and sender labels before storage.
	StripHTML bool

	policy *bluemonday.Policy
}

// NewMessageService constructs a MessageService with default limits and
// HTML stripping enabled.
func NewMessageService(db *gorm.DB, r MessageRepo) *MessageService {
	return &MessageService{
		DB:             db,
		Repo:           r,
		MaxBodyRunes:   defaultMaxBodyRunes,
		MaxSenderRunes: defaultMaxSenderRunes,
		StripHTML:      true,
		policy:         bluemonday.StrictPolicy(),
	}
}

// Append validates and stores one message.
//
// Failures:
//   - ErrValidation when roomID, sender or body is empty after normalization,
//     or a length limit is exceeded.
//   - ErrValidation wrapping ErrRoomNotFound when roomID does not resolve.
//   - ErrPersistence when the write fails.
func (s *MessageService) Append(ctx context.Context, roomID, sender, body string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Append",
		trace.WithAttributes(attribute.String("room.id", roomID)),
	)
	defer span.End()

	roomID = strings.TrimSpace(roomID)
	sender = s.normalize(sender)
	body = s.normalize(body)

	switch {
	case roomID == "":
		return nil, fmt.Errorf("%w: room is required", ErrValidation)
	case sender == "":
		return nil, fmt.Errorf("%w: sender is required", ErrValidation)
	case body == "":
		return nil, fmt.Errorf("%w: message is required", ErrValidation)
	}
	if limit := s.maxSender(); utf8.RuneCountInString(sender) > limit {
		return nil, fmt.Errorf("%w: sender exceeds %d characters", ErrValidation, limit)
	}
	if limit := s.maxBody(); utf8.RuneCountInString(body) > limit {
		return nil, fmt.Errorf("%w: message exceeds %d characters", ErrValidation, limit)
	}

	ok, err := s.Repo.RoomExists(ctx, s.DB, roomID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: room lookup: %v", ErrPersistence, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrRoomNotFound)
	}

	m, err := s.Repo.CreateMessage(ctx, s.DB, roomID, sender, body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	span.SetAttributes(attribute.String("message.id", m.ID))
	return m, nil
}

// Latest returns the newest message of a room, or nil when it has none.
func (s *MessageService) Latest(ctx context.Context, roomID string) (*domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Latest",
		trace.WithAttributes(attribute.String("room.id", roomID)),
	)
	defer span.End()

	m, err := s.Repo.LatestMessage(ctx, s.DB, roomID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

// Recent returns up to limit newest messages in ascending order.
func (s *MessageService) Recent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	return s.Repo.RecentMessages(ctx, s.DB, roomID, limit)
}

// ListPage returns paginated messages for a room, newest first.
// It returns ErrRoomNotFound if the room does not exist and an empty page
// when the room has no messages.
func (s *MessageService) ListPage(ctx context.Context, roomID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("room.id", roomID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	pg := utils.NormalizePage(page, pageSize, defaultPageSize, 0)

	ok, err := s.Repo.RoomExists(ctx, s.DB, roomID)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ErrRoomNotFound
	}

	total, err := s.Repo.CountMessages(ctx, s.DB, roomID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := s.Repo.ListMessagesPage(ctx, s.DB, roomID, pg.Offset(), pg.Size)
	return items, total, err
}

// normalize trims, composes to NFC, optionally strips markup and drops
// control characters other than newlines and tabs.
func (s *MessageService) normalize(in string) string {
	out := norm.NFC.String(strings.TrimSpace(in))
	if s.StripHTML {
		p := s.policy
		if p == nil {
			p = bluemonday.StrictPolicy()
		}
		out = stripMarkup(p, out)
	}
	out = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, out)
	return strings.TrimSpace(out)
}

// maxStripRounds bounds stripMarkup for inputs that keep decoding into new
// markup (entity-encoded tags, nested several levels deep).
const maxStripRounds = 8

// stripMarkup returns plain text with no live markup. Sanitizing alone would
// leave "&lt;script&gt;" for a later decode to revive, so decode and sanitize
// repeat until the text is stable. Text that never settles is returned in
// its escaped form.
func stripMarkup(p *bluemonday.Policy, in string) string {
	cur := in
	for i := 0; i < maxStripRounds; i++ {
		next := html.UnescapeString(p.Sanitize(cur))
		if next == cur {
			return next
		}
		cur = next
	}
	return p.Sanitize(cur)
}

func (s *MessageService) maxBody() int {
	if s.MaxBodyRunes > 0 {
		return s.MaxBodyRunes
	}
	return defaultMaxBodyRunes
}

func (s *MessageService) maxSender() int {
	if s.MaxSenderRunes > 0 {
		return s.MaxSenderRunes
	}
	return defaultMaxSenderRunes
}
