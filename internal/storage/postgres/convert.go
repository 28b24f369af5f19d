package postgres

import (
	"github.com/jkaninda/scriptbox/internal/domain"
)

// --- Script ---

func toScriptModel(s *domain.Script) ScriptModel {
	return ScriptModel{
		ID:          s.ID,
		Name:        s.Name,
		Content:     s.Content,
		Description: s.Description,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func toScriptDomain(m *ScriptModel) *domain.Script {
	return &domain.Script{
		ID:          m.ID,
		Name:        m.Name,
		Content:     m.Content,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// --- Execution ---

func toExecutionModel(e *domain.Execution) ExecutionModel {
	m := ExecutionModel{
		ID:          e.ID,
		ScriptID:    e.ScriptID,
		Status:      string(e.Status),
		Input:       JSONDoc{V: e.Input},
		Error:       e.Error,
		ErrorKind:   e.ErrorKind,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		ElapsedMs:   e.ElapsedMs,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.Output != nil {
		m.Output = &JSONDoc{V: *e.Output}
	}
	return m
}

func toExecutionDomain(m *ExecutionModel) *domain.Execution {
	e := &domain.Execution{
		ID:          m.ID,
		ScriptID:    m.ScriptID,
		Status:      domain.ExecutionStatus(m.Status),
		Input:       m.Input.V,
		Error:       m.Error,
		ErrorKind:   m.ErrorKind,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		ElapsedMs:   m.ElapsedMs,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.Output != nil {
		out := m.Output.V
		e.Output = &out
	}
	return e
}

// executionUpdates lists the mutable columns of an execution.
func executionUpdates(e *domain.Execution) map[string]any {
	m := toExecutionModel(e)
	var output any
	if m.Output != nil {
		output = *m.Output
	}
	return map[string]any{
		"status":       m.Status,
		"output":       output,
		"error":        m.Error,
		"error_kind":   m.ErrorKind,
		"completed_at": m.CompletedAt,
		"elapsed_ms":   m.ElapsedMs,
		"updated_at":   m.UpdatedAt,
	}
}
