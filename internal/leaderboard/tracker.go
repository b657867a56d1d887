package leaderboard

import "sort"

// Standing is one row as the server reports it: identity and score only.
// Ranks and movement are computed locally against the previous snapshot.
type Standing struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	Score      int    `json:"score"`
}

// Change is the direction a player moved between snapshots.
type Change string

const (
	ChangeUp   Change = "up"
	ChangeDown Change = "down"
	ChangeSame Change = "same"
)

// Entry is a ranked row enriched with movement since the last snapshot.
type Entry struct {
	PlayerID     string `json:"player_id"`
	PlayerName   string `json:"player_name"`
	Score        int    `json:"score"`
	Rank         int    `json:"rank"`
	PreviousRank int    `json:"previous_rank,omitempty"`
	RankChange   Change `json:"rank_change"`
	ScoreChange  int    `json:"score_change"`
}

// Tracker turns raw standings into ranked entries with per-snapshot
// deltas. Not safe for concurrent use.
type Tracker struct {
	prev    map[string]Entry
	entries []Entry
}

func NewTracker() *Tracker {
	return &Tracker{prev: map[string]Entry{}}
}

// Update replaces the standings wholesale and returns the new ranked
// entries. Players missing from the new snapshot simply drop out; new
// players enter with no movement.
func (t *Tracker) Update(standings []Standing) []Entry {
	rows := append([]Standing(nil), standings...)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return rows[i].PlayerName < rows[j].PlayerName
	})

	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		e := Entry{
			PlayerID:   row.PlayerID,
			PlayerName: row.PlayerName,
			Score:      row.Score,
			Rank:       i + 1,
			RankChange: ChangeSame,
		}
		if prev, ok := t.prev[row.PlayerID]; ok {
			e.PreviousRank = prev.Rank
			e.ScoreChange = row.Score - prev.Score
			switch {
			case e.Rank < prev.Rank:
				e.RankChange = ChangeUp
			case e.Rank > prev.Rank:
				e.RankChange = ChangeDown
			}
		}
		entries = append(entries, e)
	}

	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		next[e.PlayerID] = e
	}
	t.prev = next
	t.entries = entries
	return t.Entries()
}

// Entries returns a copy of the latest ranked rows.
func (t *Tracker) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Top returns at most n leading entries.
func (t *Tracker) Top(n int) []Entry {
	if n <= 0 || n >= len(t.entries) {
		return t.Entries()
	}
	return append([]Entry(nil), t.entries[:n]...)
}
