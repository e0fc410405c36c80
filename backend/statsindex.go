// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"

	"github.com/ttbt-io/dugout/backend/scoresheet"
)

const statsSchema = `
CREATE TABLE IF NOT EXISTS player_game_stats (
	sheet_id   TEXT NOT NULL,
	player_id  TEXT NOT NULL,
	team_id    TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT '',
	pa         INTEGER NOT NULL DEFAULT 0,
	ab         INTEGER NOT NULL DEFAULT 0,
	h          INTEGER NOT NULL DEFAULT 0,
	singles    INTEGER NOT NULL DEFAULT 0,
	doubles    INTEGER NOT NULL DEFAULT 0,
	triples    INTEGER NOT NULL DEFAULT 0,
	hr         INTEGER NOT NULL DEFAULT 0,
	r          INTEGER NOT NULL DEFAULT 0,
	rbi        INTEGER NOT NULL DEFAULT 0,
	bb         INTEGER NOT NULL DEFAULT 0,
	hbp        INTEGER NOT NULL DEFAULT 0,
	so         INTEGER NOT NULL DEFAULT 0,
	roe        INTEGER NOT NULL DEFAULT 0,
	sac        INTEGER NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (sheet_id, player_id)
)`

const statsTeamIndex = `CREATE INDEX IF NOT EXISTS player_game_stats_team ON player_game_stats (team_id)`

// StatsIndex keeps one row per player per sheet so season totals can be
// aggregated in SQL. A nil *StatsIndex is a valid, disabled index.
type StatsIndex struct {
	db     *sql.DB
	driver string
}

// NewStatsIndex opens the database and creates the schema. driver is
// "sqlite" or "postgres".
func NewStatsIndex(driver, dsn string) (*StatsIndex, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported stats driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats database: %w", err)
	}
	if driver == "sqlite" {
		// A single writer avoids SQLITE_BUSY between concurrent commits.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping stats database: %w", err)
	}
	for _, stmt := range []string{statsSchema, statsTeamIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create stats schema: %w", err)
		}
	}
	return &StatsIndex{db: db, driver: driver}, nil
}

// rebind rewrites ? placeholders as $n for postgres.
func (x *StatsIndex) rebind(query string) string {
	if x.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// IndexSheet replaces the rows of one sheet with its GameLines: one row per
// player id, so lineup rows sharing an id are stored summed.
func (x *StatsIndex) IndexSheet(ctx context.Context, id string, s *scoresheet.ScoreSheet) error {
	if x == nil {
		return nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, x.rebind(`DELETE FROM player_game_stats WHERE sheet_id = ?`), id); err != nil {
		return fmt.Errorf("stats: delete %s: %w", id, err)
	}
	if s != nil {
		insert := x.rebind(`INSERT INTO player_game_stats
			(sheet_id, player_id, team_id, name, pa, ab, h, singles, doubles, triples, hr, r, rbi, bb, hbp, so, roe, sac, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		updated := s.Metadata.LastUpdated.UnixMilli()
		for _, l := range scoresheet.GameLines(s) {
			if _, err := tx.ExecContext(ctx, insert,
				id, l.PlayerID, s.GameInfo.TeamID, l.Name,
				l.PlateAppearances, l.AtBats, l.Hits, l.Singles, l.Doubles, l.Triples, l.HomeRuns,
				l.Runs, l.RBI, l.Walks, l.HitByPitch, l.Strikeouts, l.ReachedOnError, l.Sacrifices,
				updated,
			); err != nil {
				return fmt.Errorf("stats: insert %s/%s: %w", id, l.PlayerID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stats: commit: %w", err)
	}
	return nil
}

// RemoveSheet deletes the rows of one sheet.
func (x *StatsIndex) RemoveSheet(ctx context.Context, id string) error {
	if x == nil {
		return nil
	}
	if _, err := x.db.ExecContext(ctx, x.rebind(`DELETE FROM player_game_stats WHERE sheet_id = ?`), id); err != nil {
		return fmt.Errorf("stats: delete %s: %w", id, err)
	}
	return nil
}

// SeasonTotals returns one line per player of the team, ordered by player id.
// Games is the number of sheets the player has rows in.
func (x *StatsIndex) SeasonTotals(ctx context.Context, teamID string) ([]scoresheet.PlayerLine, error) {
	if x == nil {
		return nil, nil
	}
	rows, err := x.db.QueryContext(ctx, x.rebind(`
		SELECT player_id, MAX(name), COUNT(*),
			SUM(pa), SUM(ab), SUM(h), SUM(singles), SUM(doubles), SUM(triples), SUM(hr),
			SUM(r), SUM(rbi), SUM(bb), SUM(hbp), SUM(so), SUM(roe), SUM(sac)
		FROM player_game_stats
		WHERE team_id = ?
		GROUP BY player_id
		ORDER BY player_id`), teamID)
	if err != nil {
		return nil, fmt.Errorf("stats: season totals: %w", err)
	}
	defer rows.Close()

	lines := make([]scoresheet.PlayerLine, 0)
	for rows.Next() {
		var l scoresheet.PlayerLine
		if err := rows.Scan(&l.PlayerID, &l.Name, &l.Games,
			&l.PlateAppearances, &l.AtBats, &l.Hits, &l.Singles, &l.Doubles, &l.Triples, &l.HomeRuns,
			&l.Runs, &l.RBI, &l.Walks, &l.HitByPitch, &l.Strikeouts, &l.ReachedOnError, &l.Sacrifices,
		); err != nil {
			return nil, fmt.Errorf("stats: scan: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// CountRows returns the number of indexed player rows.
func (x *StatsIndex) CountRows(ctx context.Context) (int, error) {
	if x == nil {
		return 0, nil
	}
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM player_game_stats`).Scan(&n)
	return n, err
}

func (x *StatsIndex) Close() error {
	if x == nil {
		return nil
	}
	return x.db.Close()
}
