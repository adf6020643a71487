package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/scribe/internal/prompts"
)

var (
	promptFile    string
	promptCurrent bool
)

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Manage agent system prompts",
	Long: `Manage the versioned system prompts agents run with.

Versions are append-only: setting an existing (agent, version) pair is a
no-op. Exactly one version per agent is current.

Examples:
  scribe prompt set Writer v2 --file writer.txt --current
  scribe prompt use Writer v1
  scribe prompt list Writer
  scribe prompt show "Format Agent"
  scribe prompt seed ./prompts`,
}

var promptSetCmd = &cobra.Command{
	Use:   "set <agent> <version> [prompt]",
	Short: "Store a prompt version",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := ""
		switch {
		case promptFile != "":
			data, err := os.ReadFile(promptFile)
			if err != nil {
				return fmt.Errorf("read prompt file: %w", err)
			}
			text = string(data)
		case len(args) == 3:
			text = args[2]
		}
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("prompt text is required (argument or --file)")
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

		created, err := db.SetSystemPrompt(cmd.Context(), args[0], args[1], text, promptCurrent)
		if err != nil {
			return err
		}
		if !created {
			printStatus("⚠", fmt.Sprintf("%s %s already exists, unchanged", args[0], args[1]), color.FgYellow)
			return nil
		}
		printStatus("✓", fmt.Sprintf("Stored %s %s", args[0], args[1]), color.FgGreen)
		return nil
	},
}

var promptUseCmd = &cobra.Command{
	Use:   "use <agent> <version>",
	Short: "Make a stored version current",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.SetCurrentPrompt(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("%s now uses %s", args[0], args[1]), color.FgGreen)
		return nil
	},
}

var promptListCmd = &cobra.Command{
	Use:   "list [agent]",
	Short: "List prompt versions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		names := agentNames
		if len(args) == 1 {
			names = []string{args[0]}
		}
		for _, name := range names {
			versions, err := db.ListPrompts(cmd.Context(), name)
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				continue
			}
			fmt.Println(color.New(color.Bold).Sprint(name))
			for _, v := range versions {
				marker := " "
				if v.IsCurrent {
					marker = color.GreenString("*")
				}
				fmt.Printf("  %s %-12s %s\n", marker, v.Version, v.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
		}
		return nil
	},
}

var promptShowCmd = &cobra.Command{
	Use:   "show <agent> [version]",
	Short: "Print a prompt (the current one by default)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		if len(args) == 2 {
			p, err := db.GetPrompt(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(p.Prompt)
			return nil
		}
		p, err := db.GetCurrentPrompt(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(p.Prompt)
		return nil
	},
}

var promptSeedCmd = &cobra.Command{
	Use:   "seed [dir]",
	Short: "Load prompt files from a directory (default prompts.dir)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := cfg.Prompts.Dir
		if len(args) == 1 {
			dir = args[0]
		}
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		logger, closer, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		res, err := prompts.SeedDir(cmd.Context(), db, dir, logger)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Seeded %s: %d created, %d unchanged", dir, res.Created, res.Skipped), color.FgGreen)
		return nil
	},
}

func init() {
	promptSetCmd.Flags().StringVarP(&promptFile, "file", "f", "", "Read the prompt from a file")
	promptSetCmd.Flags().BoolVar(&promptCurrent, "current", false, "Make this version current")

	promptCmd.AddCommand(promptSetCmd)
	promptCmd.AddCommand(promptUseCmd)
	promptCmd.AddCommand(promptListCmd)
	promptCmd.AddCommand(promptShowCmd)
	promptCmd.AddCommand(promptSeedCmd)
}
