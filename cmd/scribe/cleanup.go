package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	cleanupForce     bool
	cleanupOlderThan string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge old archived conversations",
	Long: `Delete archived conversations, with their messages, that have not been
updated within the cutoff. Active conversations are never touched.

Examples:
  scribe cleanup                      # Purge archived conversations older than 30 days
  scribe cleanup --older-than 7d      # Use a one-week cutoff
  scribe cleanup --older-than 12h -f  # Skip the confirmation prompt`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().StringVar(&cleanupOlderThan, "older-than", "30d", "Age cutoff (e.g. 30d, 12h)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	age, err := parseAge(cleanupOlderThan)
	if err != nil {
		return err
	}

	if !cleanupForce {
		fmt.Printf("Delete archived conversations older than %s? [y/N] ", cleanupOlderThan)
		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Cleanup cancelled.")
			return nil
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.PurgeArchivedConversations(cmd.Context(), age)
	if err != nil {
		return fmt.Errorf("purge conversations: %w", err)
	}
	if n == 0 {
		fmt.Println("No archived conversations to purge.")
		return nil
	}
	printStatus("✓", fmt.Sprintf("Purged %d archived conversation(s)", n), color.FgGreen)
	return nil
}

// parseAge accepts a Go duration or a whole number of days ("30d").
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}
