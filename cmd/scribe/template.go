package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/scribe/pkg/models"
)

var (
	templateTitle     string
	templateCategory  string
	templateFormat    string
	templateAuthor    string
	templateSourceURL string
	templateTags      []string
	templateLimit     int
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage reference posts for the Format Agent",
	Long: `Manage content templates: reference posts the Format Agent imitates.

The newest template matching a conversation's category and format is used
unless a request names one.

Examples:
  scribe template add post.md --category nurture --format framework
  scribe template list --category nurture`,
}

var templateAddCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "Store a template from a file ('-' reads stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read template: %w", err)
		}
		if templateCategory == "" || templateFormat == "" {
			return fmt.Errorf("--category and --format are required")
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

		tpl := &models.Template{
			Title:     templateTitle,
			Content:   string(data),
			Category:  templateCategory,
			Format:    templateFormat,
			Author:    templateAuthor,
			SourceURL: templateSourceURL,
			Tags:      templateTags,
		}
		if err := db.CreateTemplate(cmd.Context(), tpl); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Stored template %s (%s/%s)", tpl.ID, tpl.Category, tpl.Format), color.FgGreen)
		return nil
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates, newest first",
	Args:  cobra.NoArgs,
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

		tpls, err := db.ListTemplates(cmd.Context(), models.NormalizeLabel(templateCategory), models.NormalizeLabel(templateFormat), templateLimit)
		if err != nil {
			return err
		}
		if len(tpls) == 0 {
			fmt.Println("No templates found.")
			return nil
		}
		for _, t := range tpls {
			title := t.Title
			if title == "" {
				title = truncateLine(strings.TrimSpace(t.Content), 50)
			}
			fmt.Printf("%s  %-14s %-18s %s\n", t.ID, t.Category, t.Format, title)
		}
		return nil
	},
}

func init() {
	templateAddCmd.Flags().StringVar(&templateTitle, "title", "", "Template title")
	templateAddCmd.Flags().StringVar(&templateCategory, "category", "", "Content category (required)")
	templateAddCmd.Flags().StringVar(&templateFormat, "format", "", "Post format (required)")
	templateAddCmd.Flags().StringVar(&templateAuthor, "author", "", "Original author")
	templateAddCmd.Flags().StringVar(&templateSourceURL, "source-url", "", "Where the post was published")
	templateAddCmd.Flags().StringSliceVar(&templateTags, "tag", nil, "Tag (repeatable)")

	templateListCmd.Flags().StringVar(&templateCategory, "category", "", "Filter by category")
	templateListCmd.Flags().StringVar(&templateFormat, "format", "", "Filter by format")
	templateListCmd.Flags().IntVarP(&templateLimit, "limit", "n", 50, "Maximum templates to list")

	templateCmd.AddCommand(templateAddCmd)
	templateCmd.AddCommand(templateListCmd)
}
