package storage

import (
	"database/sql"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
)

// Timestamps are stored as unix seconds, 0 meaning "never"

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// scanner is implemented by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

const playerColumns = `user_id, username, approx_mu, approx_sig, elo, tier,
	aim_pp, acc_pp, speed_pp, overall_pp, avg_ar, avg_sr,
	games_played, last_contest_time, last_profile_update`

func scanPlayer(s scanner) (*domain.Player, error) {
	var p domain.Player
	var userID sql.NullInt64
	var lastContest, lastProfile int64
	err := s.Scan(&userID, &p.Username, &p.Mu, &p.Sigma, &p.Elo, &p.Tier,
		&p.Aim, &p.Acc, &p.Speed, &p.Overall, &p.AvgAR, &p.AvgSR,
		&p.GamesPlayed, &lastContest, &lastProfile)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		p.ID = userID.Int64
	}
	p.LastContest = fromUnix(lastContest)
	p.LastProfileUpdate = fromUnix(lastProfile)
	return &p, nil
}

func scanBeatmap(s scanner) (domain.Beatmap, error) {
	var m domain.Beatmap
	err := s.Scan(&m.ID, &m.SetID, &m.Name, &m.Difficulty, &m.Stars, &m.AR, &m.Length)
	return m, err
}
