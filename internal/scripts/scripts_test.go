package scripts_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/scripts"
	"github.com/jkaninda/scriptbox/internal/security"
	"github.com/jkaninda/scriptbox/internal/storage/memory"
)

func newService() *scripts.Service {
	return scripts.NewService(
		memory.New().Scripts(),
		security.MustNewValidator(security.DefaultPolicy()),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

const transform = "function process(data) { return data.value * 2; }"

// --- Create ---

func TestCreate_Valid(t *testing.T) {
	svc := newService()
	s, err := svc.Create(context.Background(), scripts.Input{Name: "double", Content: transform, Description: "x2"})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, "double", s.Name)
	assert.False(t, s.CreatedAt.IsZero())
	assert.Equal(t, s.CreatedAt, s.UpdatedAt)

	got, err := svc.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, transform, got.Content)
}

func TestCreate_InputLimits(t *testing.T) {
	cases := []struct {
		name string
		in   scripts.Input
	}{
		{"empty name", scripts.Input{Name: " ", Content: transform}},
		{"long name", scripts.Input{Name: strings.Repeat("n", scripts.MaxNameLength+1), Content: transform}},
		{"empty content", scripts.Input{Name: "a"}},
		{"long content", scripts.Input{Name: "a", Content: strings.Repeat("x", scripts.MaxContentLength+1)}},
		{"long description", scripts.Input{Name: "a", Content: transform, Description: strings.Repeat("d", scripts.MaxDescriptionLength+1)}},
	}
	svc := newService()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tc.in)
			assert.ErrorIs(t, err, scripts.ErrInvalid)
		})
	}
}

func TestCreate_NameLimitCountsCharacters(t *testing.T) {
	svc := newService()
	_, err := svc.Create(context.Background(), scripts.Input{Name: strings.Repeat("é", scripts.MaxNameLength), Content: transform})
	assert.NoError(t, err)
}

func TestCreate_Rejected(t *testing.T) {
	svc := newService()
	_, err := svc.Create(context.Background(), scripts.Input{Name: "bad", Content: "const fs = require('fs');"})
	require.Error(t, err)

	var rejected *scripts.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "script validation failed: forbidden pattern detected: require(", err.Error())
	assert.Equal(t, security.RiskCritical, rejected.Verdict.Risk)
	assert.ErrorIs(t, err, security.ErrRejected)
}

// --- Update / Delete ---

func TestUpdate_ReplacesContent(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	s, err := svc.Create(ctx, scripts.Input{Name: "a", Content: transform})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	updated, err := svc.Update(ctx, s.ID, scripts.Input{Name: "b", Content: "data"})
	require.NoError(t, err)
	assert.Equal(t, "b", updated.Name)
	assert.Equal(t, "data", updated.Content)
	assert.True(t, updated.UpdatedAt.After(s.CreatedAt))
}

func TestUpdate_RejectedLeavesScript(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	s, err := svc.Create(ctx, scripts.Input{Name: "a", Content: transform})
	require.NoError(t, err)

	_, err = svc.Update(ctx, s.ID, scripts.Input{Name: "a", Content: "while(true) {}"})
	require.ErrorIs(t, err, security.ErrRejected)

	got, err := svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, transform, got.Content)
}

func TestUpdate_NotFound(t *testing.T) {
	_, err := newService().Update(context.Background(), uuid.New(), scripts.Input{Name: "a", Content: transform})
	assert.ErrorIs(t, err, scripts.ErrNotFound)
}

func TestDelete(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	s, err := svc.Create(ctx, scripts.Input{Name: "a", Content: transform})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, s.ID))
	_, err = svc.Get(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, s.ID), scripts.ErrNotFound)
}

// --- List / Validate ---

func TestList_ClampsPaging(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	for i := range 12 {
		_, err := svc.Create(ctx, scripts.Input{Name: string(rune('a' + i)), Content: transform})
		require.NoError(t, err)
	}

	page, err := svc.List(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, scripts.DefaultPageSize, page.Size)
	assert.Len(t, page.Items, scripts.DefaultPageSize)
	assert.Equal(t, int64(12), page.Total)

	page, err = svc.List(ctx, 2, 500)
	require.NoError(t, err)
	assert.Equal(t, scripts.DefaultPageSize, page.Size)
	assert.Len(t, page.Items, 2)
}

func TestValidate_DryRun(t *testing.T) {
	svc := newService()
	v := svc.Validate("function process(d) { return Math.random(); }")
	assert.True(t, v.Accepted)
	assert.Equal(t, security.RiskMedium, v.Risk)
	assert.Equal(t, []string{"suspicious pattern detected: Math.random"}, v.Warnings)

	page, err := svc.List(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}
