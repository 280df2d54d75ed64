package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field is one element of a task's ordered content. Label is an optional declared
// classification (e.g. a field explicitly tagged SECRET by the caller).
type Field struct {
	Name  string            `json:"name,omitempty"`
	Value string            `json:"value"`
	Label *SensitivityLevel `json:"label,omitempty"`
}

// Task is immutable once created: fields are unexported and Content returns a copy.
type Task struct {
	id          string
	content     []Field
	purpose     string
	capability  string
	submittedAt time.Time
}

func NewTask(content []Field, purpose, capability string) Task {
	return RestoreTask(uuid.New().String(), content, purpose, capability, time.Now().UTC())
}

// RestoreTask rebuilds a task with a known id and timestamp (CLI dry runs, tests).
func RestoreTask(id string, content []Field, purpose, capability string, submittedAt time.Time) Task {
	return Task{
		id:          id,
		content:     cloneFields(content),
		purpose:     purpose,
		capability:  capability,
		submittedAt: submittedAt,
	}
}

func (t Task) ID() string             { return t.id }
func (t Task) Purpose() string        { return t.purpose }
func (t Task) Capability() string     { return t.capability }
func (t Task) SubmittedAt() time.Time { return t.submittedAt }
func (t Task) Len() int               { return len(t.content) }

func (t Task) Content() []Field { return cloneFields(t.content) }

// cloneFields copies the fields and the labels they point to.
func cloneFields(fields []Field) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = f
		if f.Label != nil {
			l := *f.Label
			out[i].Label = &l
		}
	}
	return out
}

// Prompt joins the field values into the text handed to a backend executor.
func (t Task) Prompt() string {
	var b strings.Builder
	for i, f := range t.content {
		if i > 0 {
			b.WriteString("\n")
		}
		if f.Name != "" {
			b.WriteString(f.Name)
			b.WriteString(": ")
		}
		b.WriteString(f.Value)
	}
	return b.String()
}

// Response is what a backend (or the cache) returned for a task.
type Response struct {
	BackendID   string        `json:"backend_id"`
	Payload     string        `json:"payload"`
	Units       float64       `json:"units"`
	Cost        float64       `json:"cost"`
	Latency     time.Duration `json:"latency"`
	CacheServed bool          `json:"cache_served"`
}
