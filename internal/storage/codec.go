package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edisonflow/edison/internal/types"
)

const frontmatterDelim = "---"

// splitFrontmatter separates a leading YAML frontmatter block from the
// Markdown body.
func splitFrontmatter(data []byte) (front []byte, body string, err error) {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	open := frontmatterDelim + "\n"
	if !strings.HasPrefix(s, open) {
		return nil, "", fmt.Errorf("missing frontmatter")
	}
	// Prefix a newline so an empty block ("---\n---\n") is found too.
	rest := "\n" + s[len(open):]
	closing := "\n" + frontmatterDelim

	end := strings.Index(rest, closing+"\n")
	switch {
	case end >= 0:
		body = rest[end+len(closing)+1:]
	case strings.HasSuffix(rest, closing):
		end = len(rest) - len(closing)
	default:
		return nil, "", fmt.Errorf("unterminated frontmatter")
	}
	if end > 0 {
		front = []byte(rest[1:end])
	}
	return front, strings.TrimPrefix(body, "\n"), nil
}

func renderFrontmatter(v interface{}, body string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString(frontmatterDelim + "\n")
	if body = strings.TrimLeft(body, "\n"); body != "" {
		buf.WriteString("\n")
		buf.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// taskDocument is the on-disk shape of a task. Legacy fields are accepted on
// read and folded into typed edges; they are never written back.
type taskDocument struct {
	types.Task             `yaml:",inline"`
	types.LegacyTaskFields `yaml:",inline"`
}

// EncodeTask renders a task as frontmatter + Markdown body.
func EncodeTask(t *types.Task) ([]byte, error) {
	out := *t
	out.Relationships = types.NormalizeRelationships(t.Relationships)
	return renderFrontmatter(&out, t.Body)
}

// DecodeTask parses a task file. id is used when the frontmatter has none.
func DecodeTask(id string, data []byte) (*types.Task, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	var doc taskDocument
	if err := yaml.Unmarshal(front, &doc); err != nil {
		return nil, fmt.Errorf("task %s: invalid frontmatter: %w", id, err)
	}
	t := doc.Task
	if t.ID == "" {
		t.ID = id
	}
	t.Body = body
	t.Relationships = types.NormalizeRelationships(t.Relationships)
	if !doc.LegacyTaskFields.Empty() {
		t.ApplyLegacy(doc.LegacyTaskFields)
	}
	return &t, nil
}

// EncodeQA renders a QA record as frontmatter + Markdown body.
func EncodeQA(q *types.QARecord) ([]byte, error) {
	return renderFrontmatter(q, q.Body)
}

// DecodeQA parses a QA record file.
func DecodeQA(id string, data []byte) (*types.QARecord, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("qa %s: %w", id, err)
	}
	var q types.QARecord
	if err := yaml.Unmarshal(front, &q); err != nil {
		return nil, fmt.Errorf("qa %s: invalid frontmatter: %w", id, err)
	}
	if q.ID == "" {
		q.ID = id
	}
	if q.TaskID == "" {
		q.TaskID = strings.TrimSuffix(q.ID, "-qa")
	}
	q.Body = body
	return &q, nil
}

// EncodeSession renders session.json.
func EncodeSession(s *types.Session) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeSession parses session.json.
func DecodeSession(id string, data []byte) (*types.Session, error) {
	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session %s: invalid session.json: %w", id, err)
	}
	if s.ID == "" {
		s.ID = id
	}
	return &s, nil
}
