package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MisonL/semantic-tester/internal/models"
)

// column indices resolved from the CSV header.
type taskColumns struct {
	id        int
	question  int
	answer    int
	reference int
}

// LoadTasks reads a task list from a CSV file. The first row is a header; the
// loader matches columns by name (id, question, answer, reference) and falls
// back to positional order for files without recognizable names. Rows missing
// an ID get one generated from the row number, so re-loading the same file
// yields the same IDs and resume stays stable.
func LoadTasks(path string) ([]*models.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task file: %w", err)
	}
	defer f.Close()

	return ReadTasks(f)
}

// ReadTasks parses CSV task rows from r. See [LoadTasks].
func ReadTasks(r io.Reader) ([]*models.Task, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("task file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task header: %w", err)
	}

	cols := resolveColumns(header)

	var tasks []*models.Task
	seen := map[string]bool{}
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read task row %d: %w", row, err)
		}
		row++

		task := &models.Task{
			ID:              field(record, cols.id),
			Question:        field(record, cols.question),
			CandidateAnswer: field(record, cols.answer),
			ReferenceText:   field(record, cols.reference),
			State:           models.TaskPending,
		}
		if task.Question == "" && task.CandidateAnswer == "" {
			continue
		}
		if task.ID == "" {
			task.ID = fmt.Sprintf("row-%d", row)
		}
		if seen[task.ID] {
			return nil, fmt.Errorf("duplicate task id %q at row %d", task.ID, row)
		}
		seen[task.ID] = true

		tasks = append(tasks, task)
	}

	if len(tasks) == 0 {
		return nil, fmt.Errorf("task file has no rows")
	}

	return tasks, nil
}

// resolveColumns maps header names to field positions. Unrecognized headers
// fall back to the conventional order: id, question, answer, reference.
func resolveColumns(header []string) taskColumns {
	cols := taskColumns{id: -1, question: -1, answer: -1, reference: -1}

	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id", "task_id":
			cols.id = i
		case "question", "prompt":
			cols.question = i
		case "answer", "candidate", "candidate_answer":
			cols.answer = i
		case "reference", "reference_text", "expected":
			cols.reference = i
		}
	}

	if cols.question == -1 && cols.answer == -1 && cols.reference == -1 {
		cols = taskColumns{id: 0, question: 1, answer: 2, reference: 3}
	}

	return cols
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}
