package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var schema string

// Store provides database access. It is safe for concurrent use; SQLite
// serializes writers through the single connection.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Player methods ---

// GetByUsername returns the player with the given display name
func (s *Store) GetByUsername(ctx context.Context, name string) (*domain.Player, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+playerColumns+" FROM players WHERE username_key = ?",
		domain.NormalizeName(name))
	p, err := scanPlayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetByID returns the player with the given game service id
func (s *Store) GetByID(ctx context.Context, id int64) (*domain.Player, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+playerColumns+" FROM players WHERE user_id = ?", id)
	p, err := scanPlayer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Create inserts a placeholder rating for a username
func (s *Store) Create(ctx context.Context, name string) (*domain.Player, error) {
	p := domain.NewPlayer(name)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO players (username, username_key, approx_mu, approx_sig, elo, tier)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(username_key) DO NOTHING
	`, p.Username, domain.NormalizeName(name), p.Mu, p.Sigma, p.Elo, p.Tier)
	if err != nil {
		return nil, fmt.Errorf("creating player: %w", err)
	}
	return s.GetByUsername(ctx, name)
}

// Resolve returns the player with the given name, creating it if absent
func (s *Store) Resolve(ctx context.Context, name string) (*domain.Player, error) {
	p, err := s.GetByUsername(ctx, name)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.Create(ctx, name)
}

// SetUserID attaches a newly learned game service id to the record for name.
// If another record already owns the id, the player was renamed: that record
// takes the new name and the placeholder for name is dropped. If name belongs
// to a record with a different id, that record is parked under
// "<name>#<id>" and the new id starts from a placeholder.
func (s *Store) SetUserID(ctx context.Context, name string, id int64) (*domain.Player, error) {
	key := domain.NormalizeName(name)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	// A different account that used this name before keeps its record under
	// a parked key until it is seen again
	if _, err := tx.ExecContext(ctx, `
		UPDATE players SET username_key = username_key || '#' || user_id
		WHERE username_key = ? AND user_id IS NOT NULL AND user_id != ?
	`, key, id); err != nil {
		return nil, fmt.Errorf("parking previous owner of %s: %w", name, err)
	}

	var existingKey string
	err = tx.QueryRowContext(ctx, "SELECT username_key FROM players WHERE user_id = ?", id).Scan(&existingKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO players (username, username_key, user_id) VALUES (?, ?, ?)
			ON CONFLICT(username_key) DO UPDATE SET user_id = excluded.user_id, username = excluded.username
		`, name, key, id)
		if err != nil {
			return nil, fmt.Errorf("assigning user id: %w", err)
		}
	case err != nil:
		return nil, err
	case existingKey != key:
		if _, err := tx.ExecContext(ctx, "DELETE FROM players WHERE username_key = ? AND user_id IS NULL", key); err != nil {
			return nil, fmt.Errorf("dropping placeholder: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE players SET username = ?, username_key = ? WHERE user_id = ?", name, key, id); err != nil {
			return nil, fmt.Errorf("renaming player: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return s.GetByID(ctx, id)
}

// UpdateAfterContest persists the rating fields of p
func (s *Store) UpdateAfterContest(ctx context.Context, p *domain.Player) error {
	return updateRating(ctx, s.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateRating(ctx context.Context, db execer, p *domain.Player) error {
	query := `UPDATE players SET approx_mu = ?, approx_sig = ?, elo = ?, tier = ?,
		games_played = ?, last_contest_time = ? WHERE `
	args := []any{p.Mu, p.Sigma, p.Elo, p.Tier, p.GamesPlayed, toUnix(p.LastContest)}
	if p.ID != 0 {
		query += "user_id = ?"
		args = append(args, p.ID)
	} else {
		query += "username_key = ?"
		args = append(args, domain.NormalizeName(p.Username))
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating rating for %s: %w", p.Username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating rating for %s: %w", p.Username, ErrNotFound)
	}
	return nil
}

// UpdateProfile persists the difficulty axes fetched from the profile source
func (s *Store) UpdateProfile(ctx context.Context, p *domain.Player) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE players SET aim_pp = ?, acc_pp = ?, speed_pp = ?, overall_pp = ?,
			avg_ar = ?, avg_sr = ?, last_profile_update = ?
		WHERE user_id = ?
	`, p.Aim, p.Acc, p.Speed, p.Overall, p.AvgAR, p.AvgSR, toUnix(p.LastProfileUpdate), p.ID)
	if err != nil {
		return fmt.Errorf("updating profile for %d: %w", p.ID, err)
	}
	return nil
}

// UpdateDisplayRating persists only the display elo and tier of p. Used by
// rank decay, which never touches mu or sigma.
func (s *Store) UpdateDisplayRating(ctx context.Context, p *domain.Player) error {
	query := "UPDATE players SET elo = ?, tier = ? WHERE "
	args := []any{p.Elo, p.Tier}
	if p.ID != 0 {
		query += "user_id = ?"
		args = append(args, p.ID)
	} else {
		query += "username_key = ?"
		args = append(args, domain.NormalizeName(p.Username))
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating display rating for %s: %w", p.Username, err)
	}
	return nil
}

// QualifyingPlayers returns players with enough games and a contest since the given time
func (s *Store) QualifyingPlayers(ctx context.Context, minGames int, since time.Time) ([]*domain.Player, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+playerColumns+` FROM players
		WHERE games_played >= ? AND last_contest_time >= ? ORDER BY elo DESC`, minGames, toUnix(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []*domain.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

// CountRanked returns the number of qualifying players
func (s *Store) CountRanked(ctx context.Context, minGames int, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM players
		WHERE games_played >= ? AND last_contest_time >= ?`, minGames, toUnix(since)).Scan(&n)
	return n, err
}

// CountAbove returns the number of qualifying players with an elo strictly above elo
func (s *Store) CountAbove(ctx context.Context, elo float64, minGames int, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM players
		WHERE games_played >= ? AND last_contest_time >= ? AND elo > ?`, minGames, toUnix(since), elo).Scan(&n)
	return n, err
}

// ResetRatings puts every player back to the placeholder rating
func (s *Store) ResetRatings(ctx context.Context) error {
	p := domain.NewPlayer("")
	_, err := s.db.ExecContext(ctx, `UPDATE players SET approx_mu = ?, approx_sig = ?, elo = ?, tier = ?,
		games_played = 0, last_contest_time = 0`, p.Mu, p.Sigma, p.Elo, p.Tier)
	return err
}

// --- Contest methods ---

// RecordContest stores a contest and the updated ratings of its participants
// in one transaction, so a contest is never half-applied.
func (s *Store) RecordContest(ctx context.Context, c *domain.Contest, players []*domain.Player) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO contests (lobby_id, beatmap_id, mods, tms, creator) VALUES (?, ?, ?, ?, ?)
	`, c.LobbyID, c.BeatmapID, c.Mods, c.Time.UnixMilli(), c.Creator)
	if err != nil {
		return fmt.Errorf("creating contest: %w", err)
	}
	c.ID, _ = result.LastInsertId()

	for _, sc := range c.Scores {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scores (contest_id, user_id, username, score, elo_before, elo_after)
			VALUES (?, ?, ?, ?, ?, ?)
		`, c.ID, sc.PlayerID, sc.Username, sc.Score, sc.EloBefore, sc.EloAfter)
		if err != nil {
			return fmt.Errorf("recording score for %s: %w", sc.Username, err)
		}
	}

	for _, p := range players {
		if err := updateRating(ctx, tx, p); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListContests returns every contest with its scores, oldest first
func (s *Store) ListContests(ctx context.Context) ([]domain.Contest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.lobby_id, c.beatmap_id, c.mods, c.tms, c.creator,
			s.user_id, s.username, s.score, s.elo_before, s.elo_after
		FROM contests c JOIN scores s ON s.contest_id = c.id
		ORDER BY c.tms, c.id, s.score DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contests []domain.Contest
	for rows.Next() {
		var c domain.Contest
		var sc domain.ContestScore
		var tms int64
		if err := rows.Scan(&c.ID, &c.LobbyID, &c.BeatmapID, &c.Mods, &tms, &c.Creator,
			&sc.PlayerID, &sc.Username, &sc.Score, &sc.EloBefore, &sc.EloAfter); err != nil {
			return nil, err
		}
		if n := len(contests); n > 0 && contests[n-1].ID == c.ID {
			contests[n-1].Scores = append(contests[n-1].Scores, sc)
			continue
		}
		c.Time = time.UnixMilli(tms).UTC()
		c.Scores = []domain.ContestScore{sc}
		contests = append(contests, c)
	}
	return contests, rows.Err()
}

// --- Beatmap methods ---

// UpsertBeatmaps inserts or replaces map pool entries
func (s *Store) UpsertBeatmaps(ctx context.Context, maps []domain.Beatmap) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range maps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO beatmaps (id, set_id, name, difficulty, stars, ar, length)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				set_id = excluded.set_id,
				name = excluded.name,
				difficulty = excluded.difficulty,
				stars = excluded.stars,
				ar = excluded.ar,
				length = excluded.length
		`, m.ID, m.SetID, strings.TrimSpace(m.Name), m.Difficulty, m.Stars, m.AR, m.Length)
		if err != nil {
			return fmt.Errorf("upserting beatmap %d: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// MapsInRange returns pool maps whose difficulty lies in [lo, hi]
func (s *Store) MapsInRange(ctx context.Context, lo, hi float64) ([]domain.Beatmap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, set_id, name, difficulty, stars, ar, length FROM beatmaps
		WHERE difficulty BETWEEN ? AND ? ORDER BY id
	`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var maps []domain.Beatmap
	for rows.Next() {
		m, err := scanBeatmap(rows)
		if err != nil {
			return nil, err
		}
		maps = append(maps, m)
	}
	return maps, rows.Err()
}

// GetBeatmap returns a pool map by id
func (s *Store) GetBeatmap(ctx context.Context, id int64) (domain.Beatmap, error) {
	m, err := scanBeatmap(s.db.QueryRowContext(ctx, `
		SELECT id, set_id, name, difficulty, stars, ar, length FROM beatmaps WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}
