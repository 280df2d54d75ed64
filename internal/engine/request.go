package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

var ErrEmptyContent = errors.New("content is required")

// SubmitRequest is the wire form of a task, shared by HTTP and gRPC.
// Content is either a plain string or an ordered list of {name, value, label}.
type SubmitRequest struct {
	Content             json.RawMessage `json:"content"`
	Purpose             string          `json:"purpose"`
	RequestedCapability string          `json:"requestedCapability"`
	Units               float64         `json:"units,omitempty"` // Optional work estimate for budget holds
}

// Submission is a validated request, ready for the pipeline.
type Submission struct {
	Content    []domain.Field
	Purpose    string
	Capability string
	Units      float64
	RequestID  string
}

func (r SubmitRequest) Submission(requestID string) (Submission, error) {
	fields, err := parseContent(r.Content)
	if err != nil {
		return Submission{}, err
	}
	if r.Units < 0 {
		return Submission{}, fmt.Errorf("units must not be negative")
	}
	return Submission{
		Content:    fields,
		Purpose:    strings.TrimSpace(r.Purpose),
		Capability: strings.TrimSpace(r.RequestedCapability),
		Units:      r.Units,
		RequestID:  requestID,
	}, nil
}

func parseContent(raw json.RawMessage) ([]domain.Field, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrEmptyContent
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("content: %w", err)
		}
		if strings.TrimSpace(s) == "" {
			return nil, ErrEmptyContent
		}
		return []domain.Field{{Value: s}}, nil
	}

	var fields []domain.Field
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("content must be a string or a list of {name, value, label}: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrEmptyContent
	}
	return fields, nil
}
