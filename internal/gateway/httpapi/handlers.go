package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/execution"
	"github.com/jkaninda/scriptbox/internal/jsonvalue"
	"github.com/jkaninda/scriptbox/internal/scripts"
	"github.com/jkaninda/scriptbox/internal/security"
)

// ScriptService is the script registry the gateway serves.
type ScriptService interface {
	Create(ctx context.Context, in scripts.Input) (*domain.Script, error)
	Update(ctx context.Context, id uuid.UUID, in scripts.Input) (*domain.Script, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Script, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, page, size int) (scripts.Page, error)
	Validate(source string) security.Verdict
}

// ExecutionService starts and reads executions.
type ExecutionService interface {
	Start(ctx context.Context, scriptID uuid.UUID, input jsonvalue.Value) (*domain.Execution, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	ListByScript(ctx context.Context, scriptID uuid.UUID, limit int) ([]domain.Execution, error)
}

var (
	_ ScriptService    = (*scripts.Service)(nil)
	_ ExecutionService = (*execution.Service)(nil)
)

// --- DTOs ---

// ErrorBody is the error response. Verdict is set when the validator rejected a script.
type ErrorBody struct {
	Error   string            `json:"error"`
	Verdict *security.Verdict `json:"verdict,omitempty"`
}

// ScriptRequest is the body of POST and PUT /v1/scripts.
type ScriptRequest struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

// ScriptResponse is one script.
type ScriptResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ScriptListResponse is one page of scripts.
type ScriptListResponse struct {
	Items []ScriptResponse `json:"items"`
	Total int64            `json:"total"`
	Page  int              `json:"page"`
	Size  int              `json:"size"`
}

// ValidateRequest is the body of POST /v1/scripts/validate.
type ValidateRequest struct {
	Content string `json:"content"`
}

// ValidateResponse is the dry-run verdict.
type ValidateResponse struct {
	security.Verdict
}

// ExecuteRequest is the body of POST /v1/executions.
type ExecuteRequest struct {
	ScriptID string          `json:"script_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ExecutionResponse is one execution record.
type ExecutionResponse struct {
	ID          string           `json:"id"`
	ScriptID    string           `json:"script_id"`
	Status      string           `json:"status"`
	Input       jsonvalue.Value  `json:"input"`
	Output      *jsonvalue.Value `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	ElapsedMs   *int64           `json:"elapsed_ms,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func toScriptResponse(s *domain.Script) ScriptResponse {
	return ScriptResponse{
		ID:          s.ID.String(),
		Name:        s.Name,
		Content:     s.Content,
		Description: s.Description,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func toExecutionResponse(e *domain.Execution) ExecutionResponse {
	return ExecutionResponse{
		ID:          e.ID.String(),
		ScriptID:    e.ScriptID.String(),
		Status:      string(e.Status),
		Input:       e.Input,
		Output:      e.Output,
		Error:       e.Error,
		ErrorKind:   e.ErrorKind,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		ElapsedMs:   e.ElapsedMs,
		CreatedAt:   e.CreatedAt,
	}
}

// --- Script handlers ---

func (g *Gateway) handleScriptCreate(c *okapi.Context) error {
	var req ScriptRequest
	if err := g.decode(c, &req); err != nil {
		return g.writeError(c, err)
	}
	s, err := g.scripts.Create(c.Context(), scripts.Input(req))
	if err != nil {
		return g.writeError(c, err)
	}
	g.logger.Info("script created",
		slog.String("user_id", c.GetString(userIDKey)),
		slog.String("script_id", s.ID.String()),
	)
	return c.JSON(http.StatusCreated, toScriptResponse(s))
}

func (g *Gateway) handleScriptList(c *okapi.Context) error {
	q := c.Request().URL.Query()
	page, err := g.scripts.List(c.Context(), atoiOr(q.Get("page"), 1), atoiOr(q.Get("size"), scripts.DefaultPageSize))
	if err != nil {
		return g.writeError(c, err)
	}
	resp := ScriptListResponse{
		Items: make([]ScriptResponse, len(page.Items)),
		Total: page.Total,
		Page:  page.Page,
		Size:  page.Size,
	}
	for i := range page.Items {
		resp.Items[i] = toScriptResponse(&page.Items[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleScriptGet(c *okapi.Context) error {
	id, err := pathID(c)
	if err != nil {
		return g.writeError(c, err)
	}
	s, err := g.scripts.Get(c.Context(), id)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(toScriptResponse(s))
}

func (g *Gateway) handleScriptUpdate(c *okapi.Context) error {
	id, err := pathID(c)
	if err != nil {
		return g.writeError(c, err)
	}
	var req ScriptRequest
	if err := g.decode(c, &req); err != nil {
		return g.writeError(c, err)
	}
	s, err := g.scripts.Update(c.Context(), id, scripts.Input(req))
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(toScriptResponse(s))
}

func (g *Gateway) handleScriptDelete(c *okapi.Context) error {
	id, err := pathID(c)
	if err != nil {
		return g.writeError(c, err)
	}
	if err := g.scripts.Delete(c.Context(), id); err != nil {
		return g.writeError(c, err)
	}
	return c.OK(okapi.M{"status": "deleted"})
}

func (g *Gateway) handleScriptValidate(c *okapi.Context) error {
	var req ValidateRequest
	if err := g.decode(c, &req); err != nil {
		return g.writeError(c, err)
	}
	if req.Content == "" {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "content is required"})
	}
	return c.OK(ValidateResponse{Verdict: g.scripts.Validate(req.Content)})
}

// --- Execution handlers ---

// handleScriptExecute treats the whole body as the input value. An empty body is null.
func (g *Gateway) handleScriptExecute(c *okapi.Context) error {
	id, err := pathID(c)
	if err != nil {
		return g.writeError(c, err)
	}
	body, err := g.readBody(c)
	if err != nil {
		return g.writeError(c, err)
	}
	input, err := parseInput(body)
	if err != nil {
		return g.writeError(c, err)
	}
	return g.start(c, id, input)
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	var req ExecuteRequest
	if err := g.decode(c, &req); err != nil {
		return g.writeError(c, err)
	}
	id, err := uuid.Parse(req.ScriptID)
	if err != nil {
		return g.writeError(c, fmt.Errorf("%w: script_id must be a UUID", errBadRequest))
	}
	input, err := parseInput(req.Data)
	if err != nil {
		return g.writeError(c, err)
	}
	return g.start(c, id, input)
}

func (g *Gateway) start(c *okapi.Context, scriptID uuid.UUID, input jsonvalue.Value) error {
	e, err := g.executions.Start(c.Context(), scriptID, input)
	if err != nil {
		return g.writeError(c, err)
	}
	g.logger.Info("execution accepted",
		slog.String("user_id", c.GetString(userIDKey)),
		slog.String("script_id", scriptID.String()),
		slog.String("execution_id", e.ID.String()),
	)
	return c.JSON(http.StatusAccepted, toExecutionResponse(e))
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	id, err := pathID(c)
	if err != nil {
		return g.writeError(c, err)
	}
	e, err := g.executions.Get(c.Context(), id)
	if err != nil {
		return g.writeError(c, err)
	}
	return c.OK(toExecutionResponse(e))
}

func (g *Gateway) handleExecutionList(c *okapi.Context) error {
	id, err := pathID(c)
	if err != nil {
		return g.writeError(c, err)
	}
	limit := atoiOr(c.Request().URL.Query().Get("limit"), execution.DefaultListLimit)
	list, err := g.executions.ListByScript(c.Context(), id, limit)
	if err != nil {
		return g.writeError(c, err)
	}
	resp := make([]ExecutionResponse, len(list))
	for i := range list {
		resp[i] = toExecutionResponse(&list[i])
	}
	return c.OK(resp)
}

// --- Helpers ---

var (
	errBadRequest      = errors.New("bad request")
	errRequestTooLarge = errors.New("request body too large")
)

// writeError maps service errors to status codes. Unexpected errors are
// logged with a correlation ID that is echoed to the client.
func (g *Gateway) writeError(c *okapi.Context, err error) error {
	var rejected *scripts.RejectedError
	switch {
	case errors.As(err, &rejected):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: rejected.Error(), Verdict: &rejected.Verdict})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: err.Error()})
	case errors.Is(err, scripts.ErrInvalid),
		errors.Is(err, jsonvalue.ErrSerialization),
		errors.Is(err, errBadRequest):
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	case errors.Is(err, errRequestTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: err.Error()})
	case errors.Is(err, execution.ErrDispatch):
		return c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: "execution could not be queued"})
	}

	correlationID := newCorrelationID()
	g.logger.Error("request failed",
		slog.String("correlation_id", correlationID),
		slog.String("path", c.Request().URL.Path),
		slog.String("error", err.Error()),
	)
	return c.JSON(http.StatusInternalServerError, ErrorBody{Error: "internal error (ref " + correlationID + ")"})
}

func (g *Gateway) readBody(c *okapi.Context) ([]byte, error) {
	limit := g.config.maxRequestSize()
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", errBadRequest, err)
	}
	if int64(len(body)) > limit {
		return nil, errRequestTooLarge
	}
	return body, nil
}

// decode reads a JSON object strictly: unknown fields and trailing data are rejected.
func (g *Gateway) decode(c *okapi.Context, v any) error {
	body, err := g.readBody(c)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after request body", errBadRequest)
	}
	return nil
}

func parseInput(raw []byte) (jsonvalue.Value, error) {
	if len(raw) == 0 {
		return jsonvalue.Null(), nil
	}
	return jsonvalue.Parse(raw)
}

func pathID(c *okapi.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: id must be a UUID", errBadRequest)
	}
	return id, nil
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
