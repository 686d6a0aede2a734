package rating

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/ernie/lobbybot/internal/domain"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieRanges(t *testing.T) {
	tests := []struct {
		name   string
		scores []int
		want   [][2]int
	}{
		{"tie for first", []int{100, 100, 50}, [][2]int{{0, 1}, {0, 1}, {2, 2}}},
		{"no ties", []int{3, 2, 1}, [][2]int{{0, 0}, {1, 1}, {2, 2}}},
		{"all tied", []int{7, 7, 7}, [][2]int{{0, 2}, {0, 2}, {0, 2}}},
		{"tie at the bottom", []int{9, 0, 0}, [][2]int{{0, 0}, {1, 2}, {1, 2}}},
		{"empty", nil, [][2]int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			standings := make([]Standing, len(tt.scores))
			for i, s := range tt.scores {
				standings[i].Score = s
			}
			TieRanges(standings)

			got := make([][2]int, len(standings))
			for i, s := range standings {
				got[i] = [2]int{s.Lo, s.Hi}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExport(t *testing.T) {
	contests := []domain.Contest{{
		ID:   1,
		Time: time.Unix(1700000000, 0),
		Scores: []domain.ContestScore{
			{Username: "b", Score: 50},
			{Username: "a", Score: 100},
			{Username: "c", Score: 100},
		},
	}}

	records := Export(contests)
	require.Len(t, records, 1)

	data, err := json.Marshal(records[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"time_seconds":1700000000,"standings":[["a",0,1,100],["c",0,1,100],["b",2,2,50]]}`, string(data))

	// The input order is left alone
	assert.Equal(t, "b", contests[0].Scores[0].Username)
}

func TestWriteExportGzip(t *testing.T) {
	records := []ExportRecord{{
		Time:      1700000000,
		Standings: []Standing{{Username: "a", Lo: 0, Hi: 0, Score: 10}},
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteExport(&buf, records, true))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	defer gz.Close()

	var got []ExportRecord
	require.NoError(t, json.NewDecoder(gz).Decode(&got))
	assert.Equal(t, records, got)
}
