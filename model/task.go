package model

import (
	"time"
)

// Entities holds candidate party names pulled from contract text.
type Entities struct {
	Companies     []string `json:"companies"`
	Persons       []string `json:"persons"`
	Organizations []string `json:"organizations"`
}

// Normalize replaces nil lists with empty ones so the JSON shape is fixed.
func (e Entities) Normalize() Entities {
	if e.Companies == nil {
		e.Companies = []string{}
	}
	if e.Persons == nil {
		e.Persons = []string{}
	}
	if e.Organizations == nil {
		e.Organizations = []string{}
	}
	return e
}

// Flatten concatenates companies, persons, then organizations.
func (e Entities) Flatten() []string {
	all := make([]string, 0, len(e.Companies)+len(e.Persons)+len(e.Organizations))
	all = append(all, e.Companies...)
	all = append(all, e.Persons...)
	all = append(all, e.Organizations...)
	return all
}

func (e Entities) Empty() bool {
	return len(e.Companies) == 0 && len(e.Persons) == 0 && len(e.Organizations) == 0
}

// Task represents one contract review request
type Task struct {
	ID           string     `json:"id"`
	Owner        string     `json:"owner"`
	Status       TaskStatus `json:"status"`
	ContractType string     `json:"contract_type"`
	Role         string     `json:"role,omitempty"`
	PartyNames   []string   `json:"party_names,omitempty"`
	Entities     *Entities  `json:"entities,omitempty"`
	ExtractedAt  *time.Time `json:"entities_extracted_at,omitempty"`
	ErrorMsg     string     `json:"error_msg,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Fire applies trigger to the task's status using the transition table.
// The status is left unchanged when the transition is illegal.
func (t *Task) Fire(trigger Trigger) error {
	next, err := NextStatus(t.Status, trigger)
	if err != nil {
		return err
	}
	t.Status = next
	return nil
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.PartyNames != nil {
		c.PartyNames = append([]string(nil), t.PartyNames...)
	}
	if t.Entities != nil {
		e := Entities{
			Companies:     append([]string(nil), t.Entities.Companies...),
			Persons:       append([]string(nil), t.Entities.Persons...),
			Organizations: append([]string(nil), t.Entities.Organizations...),
		}.Normalize()
		c.Entities = &e
	}
	if t.ExtractedAt != nil {
		at := *t.ExtractedAt
		c.ExtractedAt = &at
	}
	return &c
}

// File is the uploaded document backing a task.
type File struct {
	TaskID    string    `json:"task_id"`
	Filename  string    `json:"filename"`
	ObjectKey string    `json:"object_key"`
	FileType  string    `json:"file_type"` // extension without dot: pdf, docx, ...
	Size      int64     `json:"size"`
	Text      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleRecord is appended on every role confirmation.
type RoleRecord struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	RoleKey    string    `json:"role_key"`
	PartyNames []string  `json:"party_names"`
	CreatedAt  time.Time `json:"created_at"`
}

// Paragraph is one segment of contract text with its embedding.
type Paragraph struct {
	TaskID    string    `json:"task_id"`
	Index     int       `json:"paragraph_index"`
	Text      string    `json:"text"`
	Embedding []float64 `json:"-"`
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Owner  string
	Status TaskStatus
	Limit  int
	Offset int
}
