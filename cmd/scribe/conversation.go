package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/scribe/internal/state"
	"github.com/ShayCichocki/scribe/pkg/models"
)

var (
	conversationStatus string
	conversationLimit  int
)

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Inspect conversations",
	Long: `Inspect stored conversations.

Examples:
  scribe conversation list --status active
  scribe conversation show <id>
  scribe conversation reset <id>`,
}

var conversationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var status *models.ConversationStatus
		if conversationStatus != "" {
			st := models.ConversationStatus(conversationStatus)
			if !st.Valid() {
				return fmt.Errorf("unknown status %q (want active or archived)", conversationStatus)
			}
			status = &st
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

		convs, err := db.ListConversations(cmd.Context(), status, conversationLimit)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		styles := newTranscriptStyles()
		for _, c := range convs {
			n, err := db.CountMessages(cmd.Context(), c.ID)
			if err != nil {
				return err
			}
			fmt.Println(styles.renderConversationLine(c, n))
		}
		return nil
	},
}

var conversationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation transcript",
	Args:  cobra.ExactArgs(1),
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
		conv, err := db.GetConversation(ctx, args[0])
		if err != nil {
			return err
		}
		msgs, err := db.ListMessages(ctx, conv.ID, state.Chronological)
		if err != nil {
			return err
		}
		fmt.Print(newTranscriptStyles().renderTranscript(conv, msgs))
		return nil
	},
}

var conversationResetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Clear a conversation's working state",
	Long: `Replace a conversation's state with a fresh one that keeps only the
original request, category and format. Messages are untouched.`,
	Args: cobra.ExactArgs(1),
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
		conv, err := db.GetConversation(ctx, args[0])
		if err != nil {
			return err
		}
		if _, err := db.ResetConversationState(ctx, conv.ID, freshState(conv.State)); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Reset state of %s", conv.ID), color.FgGreen)
		return nil
	},
}

// freshState keeps what identifies the request and drops everything agents
// accumulated.
func freshState(st models.ConversationState) models.ConversationState {
	return models.ConversationState{
		UserRequest: st.UserRequest,
		Category:    st.Category,
		Format:      st.Format,
	}
}

func init() {
	conversationListCmd.Flags().StringVar(&conversationStatus, "status", "", "Filter by status (active, archived)")
	conversationListCmd.Flags().IntVarP(&conversationLimit, "limit", "n", 20, "Maximum conversations to list")

	conversationCmd.AddCommand(conversationListCmd)
	conversationCmd.AddCommand(conversationShowCmd)
	conversationCmd.AddCommand(conversationResetCmd)
}
