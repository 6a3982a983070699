package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"omnichat/internal/providers"
	"omnichat/internal/store"
)

var ErrNotFound = errors.New("not found")

const activeConfigKey = "active_config"

var _ store.Journal = (*Store)(nil)

// UpsertConfig persists one provider config. The API key is sealed with the
// keyring before it touches the database.
func (s *Store) UpsertConfig(ctx context.Context, cfg store.Config) error {
	var encKey any
	if strings.TrimSpace(cfg.APIKey) != "" {
		sealed, err := s.keyring.SealString(cfg.APIKey)
		if err != nil {
			return fmt.Errorf("seal api key: %w", err)
		}
		encKey = sealed
	}

	models, err := json.Marshal(cfg.AvailableModels)
	if err != nil {
		return fmt.Errorf("marshal available models: %w", err)
	}

	q := s.sql.Insert("provider_configs").
		Columns("id", "provider_name", "custom_base_url", "enc_api_key", "selected_model", "available_models", "updated_at").
		Values(cfg.ID, cfg.ProviderName, cfg.CustomBaseURL, encKey, cfg.SelectedModel, string(models), cfg.UpdatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET custom_base_url=excluded.custom_base_url, enc_api_key=excluded.enc_api_key, selected_model=excluded.selected_model, available_models=excluded.available_models, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build config upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert config: %w", err)
	}
	return nil
}

// SetActive records the single active config id.
func (s *Store) SetActive(ctx context.Context, id string) error {
	q := s.sql.Insert("app_state").
		Columns("key", "value").
		Values(activeConfigKey, id).
		Suffix("ON CONFLICT(key) DO UPDATE SET value=excluded.value")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build active state query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set active config: %w", err)
	}
	return nil
}

// LoadConfigs returns every persisted config and the active selection.
// Configs whose sealed key can no longer be opened are returned with an empty
// key rather than failing the whole load.
func (s *Store) LoadConfigs(ctx context.Context) ([]store.Config, string, error) {
	q := s.sql.Select("id", "provider_name", "custom_base_url", "enc_api_key", "selected_model", "available_models", "updated_at").
		From("provider_configs").
		OrderBy("provider_name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, "", fmt.Errorf("build load configs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, "", fmt.Errorf("load configs: %w", err)
	}
	defer rows.Close()

	out := make([]store.Config, 0)
	for rows.Next() {
		var cfg store.Config
		var encKey sql.NullString
		var modelsJSON string
		if err := rows.Scan(&cfg.ID, &cfg.ProviderName, &cfg.CustomBaseURL, &encKey, &cfg.SelectedModel, &modelsJSON, &cfg.UpdatedAt); err != nil {
			return nil, "", fmt.Errorf("scan config row: %w", err)
		}
		keyLost := false
		if encKey.Valid && strings.TrimSpace(encKey.String) != "" {
			key, err := s.keyring.OpenString(encKey.String)
			if err != nil {
				// An unopenable key is a changed key: the model list and
				// selection derived from it no longer hold.
				keyLost = true
				cfg.SelectedModel = ""
			} else {
				cfg.APIKey = key
			}
		}
		if modelsJSON != "" && !keyLost {
			_ = json.Unmarshal([]byte(modelsJSON), &cfg.AvailableModels)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate config rows: %w", err)
	}

	activeID, err := s.appState(ctx, activeConfigKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}
	return out, activeID, nil
}

func (s *Store) appState(ctx context.Context, key string) (string, error) {
	q := s.sql.Select("value").From("app_state").Where(sq.Eq{"key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build app state query: %w", err)
	}
	var value string
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get app state: %w", err)
	}
	return value, nil
}

// EnsureSession creates a session row if it does not exist yet.
func (s *Store) EnsureSession(ctx context.Context, id, title string) error {
	q := s.sql.Insert("sessions").
		Columns("id", "title").
		Values(id, title).
		Suffix("ON CONFLICT(id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ensure session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// AppendTurn stores one turn. Attachments are persisted as JSON metadata;
// payloads are dropped since they can be large and the UI keeps its own copy.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn providers.Turn) error {
	type attMeta struct {
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	metas := make([]attMeta, 0, len(turn.Attachments))
	for _, att := range turn.Attachments {
		metas = append(metas, attMeta{Name: att.Name, Kind: string(att.Kind)})
	}
	attJSON, err := json.Marshal(metas)
	if err != nil {
		return fmt.Errorf("marshal attachment metadata: %w", err)
	}

	q := s.sql.Insert("turns").
		Columns("id", "session_id", "role", "content", "attachments_json", "created_at").
		Values(turn.ID, sessionID, string(turn.Role), turn.Content, string(attJSON), turn.Timestamp)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build append turn query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// ListTurns returns a session's turns oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]providers.Turn, error) {
	q := s.sql.Select("id", "role", "content", "created_at").
		From("turns").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list turns query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	out := make([]providers.Turn, 0)
	for rows.Next() {
		var t providers.Turn
		var role string
		if err := rows.Scan(&t.ID, &role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = providers.Role(role)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

// ListSessions returns sessions newest first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	q := s.sql.Select("id", "title", "created_at").
		From("sessions").
		OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}
