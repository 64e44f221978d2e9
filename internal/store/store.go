// Package store persists problems, questions, attempts, and evaluation
// results in SQLite. It is the external persistence collaborator of the
// interview engine; writes are last-write-wins.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/incidentlabs/rcacoach/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS problems (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		context TEXT NOT NULL,
		ai_context TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL DEFAULT 'medium',
		time_limit_minutes INTEGER NOT NULL DEFAULT 15
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		problem_id TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		gold_standard_answer TEXT NOT NULL DEFAULT '',
		rubric_items TEXT NOT NULL DEFAULT '[]',
		context_summary TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (problem_id) REFERENCES problems(id)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		problem_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		messages TEXT NOT NULL DEFAULT '[]',
		questions_asked TEXT NOT NULL DEFAULT '[]',
		started_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (problem_id) REFERENCES problems(id)
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		attempt_id TEXT PRIMARY KEY,
		scores TEXT NOT NULL DEFAULT '[]',
		overall_feedback TEXT NOT NULL DEFAULT '',
		total_score INTEGER NOT NULL DEFAULT 0,
		max_total_score INTEGER NOT NULL DEFAULT 0,
		percentage INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (attempt_id) REFERENCES attempts(id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertProblem stores a problem.
func (s *Store) InsertProblem(p model.Problem) error {
	_, err := s.db.Exec(
		`INSERT INTO problems (id, title, context, ai_context, category, difficulty, time_limit_minutes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Context, p.AIContext, p.Category, p.Difficulty, p.TimeLimitMinutes,
	)
	return err
}

// GetProblem returns a problem by ID.
func (s *Store) GetProblem(id string) (model.Problem, error) {
	var p model.Problem
	err := s.db.QueryRow(
		`SELECT id, title, context, ai_context, category, difficulty, time_limit_minutes
		 FROM problems WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &p.Context, &p.AIContext, &p.Category, &p.Difficulty, &p.TimeLimitMinutes)
	return p, err
}

// ListProblems returns problems matching the given filters.
// Empty strings mean no filtering on that field.
func (s *Store) ListProblems(category string, difficulty string) ([]model.Problem, error) {
	query := `SELECT id, title, context, ai_context, category, difficulty, time_limit_minutes
	          FROM problems WHERE 1=1`
	var args []any
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	if difficulty != "" {
		query += ` AND difficulty = ?`
		args = append(args, difficulty)
	}
	query += ` ORDER BY title`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var problems []model.Problem
	for rows.Next() {
		var p model.Problem
		if err := rows.Scan(&p.ID, &p.Title, &p.Context, &p.AIContext, &p.Category, &p.Difficulty, &p.TimeLimitMinutes); err != nil {
			return nil, err
		}
		problems = append(problems, p)
	}
	return problems, rows.Err()
}

// ProblemCount returns the number of problems in the database.
func (s *Store) ProblemCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM problems`).Scan(&count)
	return count, err
}

// InsertQuestion stores a question.
func (s *Store) InsertQuestion(q model.Question) error {
	rubric, err := json.Marshal(q.RubricItems)
	if err != nil {
		return fmt.Errorf("marshal rubric items: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO questions (id, problem_id, order_index, text, gold_standard_answer, rubric_items, context_summary)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.ProblemID, q.OrderIndex, q.Text, q.GoldStandardAnswer, string(rubric), q.ContextSummary,
	)
	return err
}

// GetQuestionsForProblem returns a problem's questions in order.
func (s *Store) GetQuestionsForProblem(problemID string) ([]model.Question, error) {
	rows, err := s.db.Query(
		`SELECT id, problem_id, order_index, text, gold_standard_answer, rubric_items, context_summary
		 FROM questions WHERE problem_id = ? ORDER BY order_index`, problemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var rubric string
		if err := rows.Scan(&q.ID, &q.ProblemID, &q.OrderIndex, &q.Text, &q.GoldStandardAnswer, &rubric, &q.ContextSummary); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rubric), &q.RubricItems); err != nil {
			return nil, fmt.Errorf("unmarshal rubric items for question %s: %w", q.ID, err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetProblemView returns a problem with its ordered question list.
func (s *Store) GetProblemView(problemID string) (*model.ProblemView, error) {
	p, err := s.GetProblem(problemID)
	if err != nil {
		return nil, err
	}
	questions, err := s.GetQuestionsForProblem(problemID)
	if err != nil {
		return nil, err
	}
	return &model.ProblemView{Problem: p, Questions: questions}, nil
}
