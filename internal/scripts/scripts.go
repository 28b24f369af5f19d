// Package scripts manages script registration. Every create and update is
// checked against the security validator before it is stored.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/security"
)

// Field limits for registration.
const (
	MaxNameLength        = 255
	MaxContentLength     = 50000
	MaxDescriptionLength = 1000

	DefaultPageSize = 10
	MaxPageSize     = 100
)

var (
	// ErrInvalid wraps every input limit violation.
	ErrInvalid  = errors.New("invalid script")
	ErrNotFound = fmt.Errorf("script %w", domain.ErrNotFound)
)

// RejectedError is returned when the validator refuses a script's content.
type RejectedError = security.RejectedError

// Store persists scripts.
type Store interface {
	Create(ctx context.Context, s *domain.Script) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Script, error)
	Update(ctx context.Context, s *domain.Script) error
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns one page, newest first, and the total number of scripts.
	List(ctx context.Context, page, size int) ([]domain.Script, int64, error)
}

// Validator is the static script check.
type Validator interface {
	Validate(source string) security.Verdict
}

// Input is the caller-supplied part of a script.
type Input struct {
	Name        string
	Content     string
	Description string
}

// Page is one page of a listing.
type Page struct {
	Items []domain.Script
	Total int64
	Page  int
	Size  int
}

// Service registers and manages scripts.
type Service struct {
	store     Store
	validator Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service.
func NewService(store Store, validator Validator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, validator: validator, logger: logger, now: time.Now}
}

// Create validates and stores a new script.
func (s *Service) Create(ctx context.Context, in Input) (*domain.Script, error) {
	if err := s.check(ctx, in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	script := &domain.Script{
		ID:          domain.NewID(),
		Name:        in.Name,
		Content:     in.Content,
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, script); err != nil {
		return nil, fmt.Errorf("creating script: %w", err)
	}
	s.logger.InfoContext(ctx, "script registered",
		slog.String("script_id", script.ID.String()),
		slog.String("name", script.Name),
	)
	return script, nil
}

// Update replaces the name, content and description of an existing script.
// Executions started afterwards run the new content.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in Input) (*domain.Script, error) {
	if err := s.check(ctx, in); err != nil {
		return nil, err
	}
	script, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	script.Name = in.Name
	script.Content = in.Content
	script.Description = in.Description
	script.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, script); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating script %s: %w", id, err)
	}
	return script, nil
}

// Get returns a script by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Script, error) {
	script, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting script %s: %w", id, err)
	}
	return script, nil
}

// Delete removes a script.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting script %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "script deleted", slog.String("script_id", id.String()))
	return nil
}

// List returns a page of scripts. page < 1 becomes 1; a size outside
// 1..MaxPageSize becomes DefaultPageSize.
func (s *Service) List(ctx context.Context, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > MaxPageSize {
		size = DefaultPageSize
	}
	items, total, err := s.store.List(ctx, page, size)
	if err != nil {
		return Page{}, fmt.Errorf("listing scripts: %w", err)
	}
	return Page{Items: items, Total: total, Page: page, Size: size}, nil
}

// Validate runs the validator without storing anything.
func (s *Service) Validate(source string) security.Verdict {
	return s.validator.Validate(source)
}

func (s *Service) check(ctx context.Context, in Input) error {
	if err := checkInput(in); err != nil {
		return err
	}
	verdict := s.validator.Validate(in.Content)
	if !verdict.Accepted {
		s.logger.WarnContext(ctx, "script rejected",
			slog.String("name", in.Name),
			slog.String("reason", verdict.Reason),
			slog.String("risk", verdict.Risk.String()),
		)
		return verdict.Err()
	}
	for _, w := range verdict.Warnings {
		s.logger.DebugContext(ctx, "script warning", slog.String("name", in.Name), slog.String("warning", w))
	}
	return nil
}

func checkInput(in Input) error {
	switch n := utf8.RuneCountInString(in.Name); {
	case strings.TrimSpace(in.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalid)
	case n > MaxNameLength:
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, MaxNameLength)
	}
	switch n := utf8.RuneCountInString(in.Content); {
	case n == 0:
		return fmt.Errorf("%w: content is required", ErrInvalid)
	case n > MaxContentLength:
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalid, MaxContentLength)
	}
	if utf8.RuneCountInString(in.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", ErrInvalid, MaxDescriptionLength)
	}
	return nil
}
