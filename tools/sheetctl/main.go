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

// Command sheetctl works with scoresheet documents on disk.
//
// Usage:
//
//	sheetctl new --innings 9 --players 10 > game.json
//	sheetctl validate game.json
//	sheetctl convert legacy.json > game.json
//	sheetctl export game.json
//	sheetctl stats game.json
//	sheetctl season week1.json week2.json
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ttbt-io/dugout/backend/scoresheet"
)

var now = time.Now

func main() {
	_ = godotenv.Load(".env")

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sheetctl",
		Short:        "Create, check and summarize scoresheet documents",
		SilenceUsage: true,
	}
	root.AddCommand(newCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(convertCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(seasonCmd())
	return root
}

func newCmd() *cobra.Command {
	var innings, players int
	var opponent, date, createdBy string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Print an empty scoresheet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if innings < 1 || players < 1 {
				return fmt.Errorf("--innings and --players must be positive")
			}
			s := scoresheet.NewEmptyScoreSheet(innings, players, now())
			s.GameInfo.GameID = uuid.NewString()
			s.GameInfo.Opponent = opponent
			s.GameInfo.Date = date
			if createdBy == "" {
				createdBy = os.Getenv("SHEETCTL_USER")
			}
			s.Metadata.CreatedBy = createdBy
			return writeSheet(cmd.OutOrStdout(), s)
		},
	}
	cmd.Flags().IntVar(&innings, "innings", scoresheet.DefaultMaxInnings, "Number of innings")
	cmd.Flags().IntVar(&players, "players", scoresheet.DefaultNumPlayers, "Batting order length")
	cmd.Flags().StringVar(&opponent, "opponent", "", "Opponent name")
	cmd.Flags().StringVar(&date, "date", "", "Game date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "Author recorded in the metadata (default $SHEETCTL_USER)")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check the structure of a scoresheet document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			res := scoresheet.Validate(data)
			out := cmd.OutOrStdout()
			if res.IsValid {
				fmt.Fprintf(out, "%s: valid\n", args[0])
				return nil
			}
			for _, e := range res.Errors {
				fmt.Fprintf(out, "%s: %s\n", args[0], e)
			}
			return fmt.Errorf("%s: %d problem(s)", args[0], len(res.Errors))
		},
	}
}

func convertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert FILE",
		Short: "Normalize a legacy or partial document to the canonical shape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSheet(cmd, args[0])
			if err != nil {
				return err
			}
			return writeSheet(cmd.OutOrStdout(), s)
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export FILE",
		Short: "Print the scoresheet as a text grid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSheet(cmd, args[0])
			if err != nil {
				return err
			}
			return scoresheet.Render(cmd.OutOrStdout(), s)
		},
	}
}

func statsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats FILE",
		Short: "Print batting lines for one game",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSheet(cmd, args[0])
			if err != nil {
				return err
			}
			box := scoresheet.TeamLine(s)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), box)
			}
			lines := append(box.Players, withName(box.Team, "TEAM"))
			return printLines(cmd.OutOrStdout(), lines)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func seasonCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "season FILE...",
		Short: "Fold several games into season totals per player",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sheets []*scoresheet.ScoreSheet
			for _, name := range args {
				s, err := loadSheet(cmd, name)
				if err != nil {
					return err
				}
				sheets = append(sheets, s)
			}
			lines := scoresheet.SeasonTotals(sheets)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), lines)
			}
			return printLines(cmd.OutOrStdout(), lines)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

// readInput reads a file, or stdin when name is "-".
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

// loadSheet reads and normalizes a document. Normalization problems are
// reported on stderr.
func loadSheet(cmd *cobra.Command, name string) (*scoresheet.ScoreSheet, error) {
	data, err := readInput(cmd, name)
	if err != nil {
		return nil, err
	}
	s, res := scoresheet.Load(data, now())
	if !res.IsValid {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: converted (%s)\n", name, strings.Join(res.Errors, "; "))
	}
	return s, nil
}

func writeSheet(w io.Writer, s *scoresheet.ScoreSheet) error {
	return writeJSON(w, s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withName(l scoresheet.PlayerLine, name string) scoresheet.PlayerLine {
	l.Name = name
	return l
}

func printLines(w io.Writer, lines []scoresheet.PlayerLine) error {
	if _, err := fmt.Fprintf(w, "%-20s %3s %3s %3s %3s %3s %3s %3s %3s\n", "PLAYER", "PA", "AB", "H", "HR", "R", "RBI", "BB", "SO"); err != nil {
		return err
	}
	for _, l := range lines {
		name := l.Name
		if name == "" {
			name = l.PlayerID
		}
		if _, err := fmt.Fprintf(w, "%-20.20s %3d %3d %3d %3d %3d %3d %3d %3d\n",
			name, l.PlateAppearances, l.AtBats, l.Hits, l.HomeRuns, l.Runs, l.RBI, l.Walks, l.Strikeouts); err != nil {
			return err
		}
	}
	return nil
}
