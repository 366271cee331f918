package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kanbanrt/gateway/internal/postgres"
)

const taskColumns = "id, board_id, title, description, status, priority, assignee_id, tags, created_at, updated_at"
const boardColumns = "id, name, owner_id, created_at, updated_at"
const noteColumns = "id, task_id, board_id, author_id, content, created_at"
const subtaskColumns = "id, parent_task_id, title, done, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL via pgx: plain SQL with named-arg updates, wrapped in
// postgres.WithTx where more than one statement must be atomic.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed Repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger.With().Str("component", "repository").Logger()}
}

func (r *PGRepository) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM tasks WHERE id = $1", taskColumns), taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("query task by id: %w", err)
	}
	return task, nil
}

func (r *PGRepository) UpdateTask(ctx context.Context, taskID string, updates map[string]any) (*Task, error) {
	allowed := map[string]string{
		"title":       "title",
		"description": "description",
		"status":      "status",
		"priority":    "priority",
		"assigneeId":  "assignee_id",
		"tags":        "tags",
	}

	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": taskID}
	for field, column := range allowed {
		if v, ok := updates[field]; ok {
			setClauses = append(setClauses, column+" = @"+column)
			namedArgs[column] = v
		}
	}

	if len(setClauses) == 0 {
		return r.GetTask(ctx, taskID)
	}

	query := "UPDATE tasks SET " + strings.Join(setClauses, ", ") + ", updated_at = now() WHERE id = @id RETURNING " + taskColumns
	row := r.db.QueryRow(ctx, query, namedArgs)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("update task: %w", err)
	}
	return task, nil
}

func (r *PGRepository) CreateTask(ctx context.Context, boardID, title string, fields map[string]any) (*Task, error) {
	description, _ := fields["description"].(string)
	priority, _ := fields["priority"].(string)
	if priority == "" {
		priority = PriorityMedium
	}
	assigneeID, _ := fields["assigneeId"].(string)

	row := r.db.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO tasks (id, board_id, title, description, status, priority, assignee_id, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, '{}') RETURNING %s`, taskColumns),
		uuid.NewString(), boardID, title, description, StatusTodo, priority, nullableString(assigneeID),
	)
	task, err := scanTask(row)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrBoardNotFound
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (r *PGRepository) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM tasks WHERE id = $1", taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *PGRepository) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM boards WHERE id = $1", boardColumns), boardID)
	board, err := scanBoard(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBoardNotFound
		}
		return nil, fmt.Errorf("query board by id: %w", err)
	}
	return board, nil
}

func (r *PGRepository) UpdateBoard(ctx context.Context, boardID string, updates map[string]any) (*Board, error) {
	allowed := map[string]string{"name": "name", "ownerId": "owner_id"}

	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": boardID}
	for field, column := range allowed {
		if v, ok := updates[field]; ok {
			setClauses = append(setClauses, column+" = @"+column)
			namedArgs[column] = v
		}
	}
	if len(setClauses) == 0 {
		return r.GetBoard(ctx, boardID)
	}

	query := "UPDATE boards SET " + strings.Join(setClauses, ", ") + ", updated_at = now() WHERE id = @id RETURNING " + boardColumns
	row := r.db.QueryRow(ctx, query, namedArgs)
	board, err := scanBoard(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBoardNotFound
		}
		return nil, fmt.Errorf("update board: %w", err)
	}
	return board, nil
}

func (r *PGRepository) BoardTaskCounts(ctx context.Context, boardID string) (*BoardTaskCounts, error) {
	rows, err := r.db.Query(ctx, "SELECT status, COUNT(*) FROM tasks WHERE board_id = $1 GROUP BY status", boardID)
	if err != nil {
		return nil, fmt.Errorf("query board task counts: %w", err)
	}
	defer rows.Close()

	counts := &BoardTaskCounts{BoardID: boardID, ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan board task counts: %w", err)
		}
		counts.ByStatus[status] = n
		counts.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate board task counts: %w", err)
	}
	return counts, nil
}

func (r *PGRepository) CreateNote(ctx context.Context, taskID, boardID, authorID, content string) (*Note, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO notes (id, task_id, board_id, author_id, content)
		 VALUES ($1, $2, $3, $4, $5) RETURNING %s`, noteColumns),
		uuid.NewString(), taskID, boardID, authorID, content,
	)
	note, err := scanNote(row)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return note, nil
}

func (r *PGRepository) AssignTag(ctx context.Context, taskID, tagID string) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM tags WHERE id = $1)", tagID).Scan(&exists); err != nil {
			return fmt.Errorf("check tag exists: %w", err)
		}
		if !exists {
			return ErrTagNotFound
		}
		_, err := tx.Exec(ctx,
			"INSERT INTO task_tags (task_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", taskID, tagID)
		if err != nil {
			if postgres.IsForeignKeyViolation(err) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("assign tag: %w", err)
		}
		return nil
	})
}

// AddDependency inserts a depends-on edge after checking for a cycle with a recursive CTE walk from the candidate
// dependency back to the dependent task. Self-dependency is rejected before the query runs.
func (r *PGRepository) AddDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	if taskID == dependsOnTaskID {
		return ErrSelfDependency
	}

	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var wouldCycle bool
		err := tx.QueryRow(ctx, `
			WITH RECURSIVE reachable(task_id) AS (
				SELECT depends_on_task_id FROM task_dependencies WHERE task_id = $1
				UNION
				SELECT d.depends_on_task_id FROM task_dependencies d
				JOIN reachable r ON d.task_id = r.task_id
			)
			SELECT EXISTS(SELECT 1 FROM reachable WHERE task_id = $2)
		`, dependsOnTaskID, taskID).Scan(&wouldCycle)
		if err != nil {
			return fmt.Errorf("check dependency cycle: %w", err)
		}
		if wouldCycle {
			return ErrDependencyCycle
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES ($1, $2)",
			taskID, dependsOnTaskID)
		if err != nil {
			// An edge that already exists is a no-op, not a failure.
			if postgres.IsUniqueViolation(err) {
				return nil
			}
			if postgres.IsForeignKeyViolation(err) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("insert dependency: %w", err)
		}
		return nil
	})
}

func (r *PGRepository) RemoveDependency(ctx context.Context, taskID, dependsOnTaskID string) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM task_dependencies WHERE task_id = $1 AND depends_on_task_id = $2", taskID, dependsOnTaskID)
	if err != nil {
		return fmt.Errorf("remove dependency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDependencyNotFound
	}
	return nil
}

func (r *PGRepository) GetSubtasks(ctx context.Context, parentTaskID string) ([]Subtask, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM subtasks WHERE parent_task_id = $1 ORDER BY created_at", subtaskColumns), parentTaskID)
	if err != nil {
		return nil, fmt.Errorf("query subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return subtasks, nil
}

func (r *PGRepository) CreateSubtask(ctx context.Context, parentTaskID, title string) (*Subtask, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO subtasks (id, parent_task_id, title, done)
		 VALUES ($1, $2, $3, false) RETURNING %s`, subtaskColumns),
		uuid.NewString(), parentTaskID, title,
	)
	st, err := scanSubtask(row)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("insert subtask: %w", err)
	}
	return st, nil
}

func (r *PGRepository) UpdateSubtask(ctx context.Context, subtaskID string, updates map[string]any) (*Subtask, error) {
	allowed := map[string]string{"title": "title", "done": "done"}

	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": subtaskID}
	for field, column := range allowed {
		if v, ok := updates[field]; ok {
			setClauses = append(setClauses, column+" = @"+column)
			namedArgs[column] = v
		}
	}
	if len(setClauses) == 0 {
		row := r.db.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM subtasks WHERE id = $1", subtaskColumns), subtaskID)
		return scanSubtask(row)
	}

	query := "UPDATE subtasks SET " + strings.Join(setClauses, ", ") + ", updated_at = now() WHERE id = @id RETURNING " + subtaskColumns
	row := r.db.QueryRow(ctx, query, namedArgs)
	st, err := scanSubtask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubtaskNotFound
		}
		return nil, fmt.Errorf("update subtask: %w", err)
	}
	return st, nil
}

func (r *PGRepository) GetSubtask(ctx context.Context, subtaskID string) (*Subtask, error) {
	row := r.db.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM subtasks WHERE id = $1", subtaskColumns), subtaskID)
	st, err := scanSubtask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubtaskNotFound
		}
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	return st, nil
}

func (r *PGRepository) DeleteSubtask(ctx context.Context, subtaskID string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM subtasks WHERE id = $1", subtaskID)
	if err != nil {
		return fmt.Errorf("delete subtask: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubtaskNotFound
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var assigneeID *string
	err := row.Scan(&t.ID, &t.BoardID, &t.Title, &t.Description, &t.Status, &t.Priority, &assigneeID, &t.Tags, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if assigneeID != nil {
		t.AssigneeID = *assigneeID
	}
	return &t, nil
}

func scanBoard(row pgx.Row) (*Board, error) {
	var b Board
	if err := row.Scan(&b.ID, &b.Name, &b.OwnerID, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanNote(row pgx.Row) (*Note, error) {
	var n Note
	if err := row.Scan(&n.ID, &n.TaskID, &n.BoardID, &n.AuthorID, &n.Content, &n.CreatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func scanSubtask(row pgx.Row) (*Subtask, error) {
	var s Subtask
	if err := row.Scan(&s.ID, &s.ParentTaskID, &s.Title, &s.Done, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
