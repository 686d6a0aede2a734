package rating

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/klauspost/compress/gzip"
)

// Standing is one row of an exported contest. It serializes as
// [username, lo, hi, score] where lo..hi is the range of positions shared
// with equal scores.
type Standing struct {
	Username string
	Lo, Hi   int
	Score    int
}

func (s Standing) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{s.Username, s.Lo, s.Hi, s.Score})
}

func (s *Standing) UnmarshalJSON(data []byte) error {
	var row []json.RawMessage
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	if len(row) != 4 {
		return fmt.Errorf("standing has %d fields, want 4", len(row))
	}
	for i, dst := range []any{&s.Username, &s.Lo, &s.Hi, &s.Score} {
		if err := json.Unmarshal(row[i], dst); err != nil {
			return fmt.Errorf("decoding standing field %d: %w", i, err)
		}
	}
	return nil
}

// ExportRecord is one contest in the batch rating format
type ExportRecord struct {
	Time      int64      `json:"time_seconds"`
	Standings []Standing `json:"standings"`
}

// Export converts stored contests into export records, best score first
func Export(contests []domain.Contest) []ExportRecord {
	records := make([]ExportRecord, 0, len(contests))
	for _, c := range contests {
		scores := make([]domain.ContestScore, len(c.Scores))
		copy(scores, c.Scores)
		sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })

		standings := make([]Standing, len(scores))
		for i, s := range scores {
			standings[i] = Standing{Username: s.Username, Score: s.Score}
		}
		TieRanges(standings)
		records = append(records, ExportRecord{Time: c.Time.Unix(), Standings: standings})
	}
	return records
}

// TieRanges fills Lo and Hi of standings sorted by descending score
func TieRanges(standings []Standing) {
	for lo := 0; lo < len(standings); {
		hi := lo
		for hi+1 < len(standings) && standings[hi+1].Score == standings[lo].Score {
			hi++
		}
		for i := lo; i <= hi; i++ {
			standings[i].Lo, standings[i].Hi = lo, hi
		}
		lo = hi + 1
	}
}

// WriteExport writes records as a JSON array, optionally gzip compressed
func WriteExport(w io.Writer, records []ExportRecord, compress bool) error {
	if !compress {
		return json.NewEncoder(w).Encode(records)
	}
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(records); err != nil {
		gz.Close()
		return fmt.Errorf("encoding export: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("flushing gzip stream: %w", err)
	}
	return nil
}
