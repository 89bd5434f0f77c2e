package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"maestro/internal/domain"
)

// SQLiteStore implements the agent, skill, quota, and conversation stores
// on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ domain.AgentStore        = (*SQLiteStore)(nil)
	_ domain.SkillStore        = (*SQLiteStore)(nil)
	_ domain.QuotaStore        = (*SQLiteStore)(nil)
	_ domain.ConversationStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			name               TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			expertise_tags     TEXT NOT NULL DEFAULT '[]',
			capability_tags    TEXT NOT NULL DEFAULT '[]',
			system_prompt      TEXT NOT NULL DEFAULT '',
			questions_handled  INTEGER NOT NULL DEFAULT 0,
			last_used_at       INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id);

		CREATE TABLE IF NOT EXISTS skills (
			id          TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			UNIQUE(agent_id, name)
		);
		CREATE INDEX IF NOT EXISTS idx_skills_agent ON skills(agent_id);

		CREATE TABLE IF NOT EXISTS quota_windows (
			user_id                  TEXT NOT NULL,
			window_date              TEXT NOT NULL,
			tokens_used              INTEGER NOT NULL DEFAULT 0,
			requests_in_current_hour INTEGER NOT NULL DEFAULT 0,
			cost_accumulated         REAL NOT NULL DEFAULT 0,
			last_request_at          INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, window_date)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- AgentStore ---

func (s *SQLiteStore) ListAgents(ctx context.Context, userID string) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, description, expertise_tags, capability_tags,
		        system_prompt, questions_handled, last_used_at, created_at, updated_at
		 FROM agents WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, description, expertise_tags, capability_tags,
		        system_prompt, questions_handled, last_used_at, created_at, updated_at
		 FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrAgentNotFound
	}
	return a, err
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, spec domain.AgentSpec) (*domain.Agent, error) {
	now := time.Now().UTC()
	agent := &domain.Agent{
		ID:             domain.NewID(),
		UserID:         spec.UserID,
		Name:           spec.Name,
		Description:    spec.Description,
		ExpertiseTags:  spec.ExpertiseTags,
		CapabilityTags: spec.CapabilityTags,
		SystemPrompt:   spec.SystemPrompt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	expJSON, err := json.Marshal(tagsOrEmpty(spec.ExpertiseTags))
	if err != nil {
		return nil, fmt.Errorf("marshal expertise tags: %w", err)
	}
	capJSON, err := json.Marshal(tagsOrEmpty(spec.CapabilityTags))
	if err != nil {
		return nil, fmt.Errorf("marshal capability tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, user_id, name, description, expertise_tags, capability_tags,
		                     system_prompt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.UserID, agent.Name, agent.Description, string(expJSON), string(capJSON),
		agent.SystemPrompt, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, agentID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET questions_handled = questions_handled + 1,
		        last_used_at = ?, updated_at = ?
		 WHERE id = ?`,
		now.UTC().UnixNano(), now.UTC().Format(time.RFC3339Nano), agentID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

// --- SkillStore ---

func (s *SQLiteStore) ListSkills(ctx context.Context, agentID string) ([]domain.Skill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, name, description, content, created_at
		 FROM skills WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var skills []domain.Skill
	for rows.Next() {
		var sk domain.Skill
		var createdStr string
		if err := rows.Scan(&sk.ID, &sk.AgentID, &sk.Name, &sk.Description, &sk.Content, &createdStr); err != nil {
			return nil, err
		}
		sk.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}

func (s *SQLiteStore) CreateSkill(ctx context.Context, spec domain.SkillSpec) (*domain.Skill, error) {
	now := time.Now().UTC()
	skill := &domain.Skill{
		ID:          domain.NewID(),
		AgentID:     spec.AgentID,
		Name:        spec.Name,
		Description: spec.Description,
		Content:     spec.Content,
		CreatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skills (id, agent_id, name, description, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		skill.ID, skill.AgentID, skill.Name, skill.Description, skill.Content,
		now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, domain.ErrSkillDuplicate
		}
		return nil, err
	}
	return skill, nil
}

// --- QuotaStore ---

func (s *SQLiteStore) GetOrCreateWindow(ctx context.Context, userID, windowDate string) (*domain.QuotaWindow, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO quota_windows (user_id, window_date) VALUES (?, ?)`,
		userID, windowDate)
	if err != nil {
		return nil, err
	}

	var win domain.QuotaWindow
	var lastNano int64
	err = s.db.QueryRowContext(ctx,
		`SELECT user_id, window_date, tokens_used, requests_in_current_hour,
		        cost_accumulated, last_request_at
		 FROM quota_windows WHERE user_id = ? AND window_date = ?`,
		userID, windowDate).Scan(
		&win.UserID, &win.WindowDate, &win.TokensUsed, &win.RequestsInCurrentHour,
		&win.CostAccumulated, &lastNano)
	if err != nil {
		return nil, err
	}
	if lastNano > 0 {
		win.LastRequestAt = time.Unix(0, lastNano).UTC()
	}
	return &win, nil
}

// AtomicIncrement applies all deltas in one statement. The hourly request
// counter restarts from the delta when more than an hour has passed since
// the previous request; timestamps are compared as unix nanoseconds so the
// rollover happens inside SQLite, not in racy application code.
func (s *SQLiteStore) AtomicIncrement(ctx context.Context, userID, windowDate string, d domain.UsageDeltas) error {
	at := d.At.UTC()
	cutoff := at.Add(-time.Hour).UnixNano()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_windows (user_id, window_date, tokens_used, requests_in_current_hour,
		                            cost_accumulated, last_request_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, window_date) DO UPDATE SET
		   tokens_used = tokens_used + excluded.tokens_used,
		   cost_accumulated = cost_accumulated + excluded.cost_accumulated,
		   requests_in_current_hour = CASE
		     WHEN quota_windows.last_request_at <= ?
		     THEN excluded.requests_in_current_hour
		     ELSE quota_windows.requests_in_current_hour + excluded.requests_in_current_hour
		   END,
		   last_request_at = excluded.last_request_at`,
		userID, windowDate, d.Tokens, d.Requests, d.Cost, at.UnixNano(),
		cutoff)
	return err
}

// --- ConversationStore ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, msg.Role, msg.Content, msg.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM conversations
		 WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var createdStr string
		if err := rows.Scan(&m.Role, &m.Content, &createdStr); err != nil {
			return nil, err
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, createdStr)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows came newest-first; history is consumed oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- Maintenance ---

// PruneQuotaWindows deletes windows dated before the given YYYY-MM-DD day.
func (s *SQLiteStore) PruneQuotaWindows(ctx context.Context, beforeDate string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM quota_windows WHERE window_date < ?`, beforeDate)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneConversations deletes messages recorded before the given time.
func (s *SQLiteStore) PruneConversations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE created_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- scanning helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*domain.Agent, error) {
	var a domain.Agent
	var expStr, capStr, createdStr, updatedStr string
	var lastNano int64
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Description, &expStr, &capStr,
		&a.SystemPrompt, &a.Performance.QuestionsHandled, &lastNano, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(expStr), &a.ExpertiseTags); err != nil {
		return nil, fmt.Errorf("unmarshal expertise tags: %w", err)
	}
	if err := json.Unmarshal([]byte(capStr), &a.CapabilityTags); err != nil {
		return nil, fmt.Errorf("unmarshal capability tags: %w", err)
	}
	if lastNano > 0 {
		t := time.Unix(0, lastNano).UTC()
		a.Performance.LastUsedAt = &t
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &a, nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
