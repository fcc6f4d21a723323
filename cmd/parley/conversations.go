package main

import (
	"context"
	"fmt"
	"time"

	"github.com/harunnryd/parley/internal/store"

	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Inspect stored conversations",
	Long:    `List, show and reset the conversation transcripts kept in a workspace.`,
}

var conversationsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := store.ReadConversationIndex(workspaceRoot(), resolveWorkspaceID(cmd))
		if err != nil {
			return fmt.Errorf("failed to read conversation index: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatConversations(list))
		return nil
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		msgs, err := store.ReadTranscriptFile(workspaceRoot(), resolveWorkspaceID(cmd), args[0], limit)
		if err != nil {
			return fmt.Errorf("failed to read transcript: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(msgs) == 0 {
			fmt.Fprintf(out, "No messages in conversation '%s'.\n", args[0])
			return nil
		}
		for _, msg := range msgs {
			fmt.Fprintln(out, formatMessage(msg))
		}
		return nil
	},
}

var conversationsResetCmd = &cobra.Command{
	Use:   "reset [id]",
	Short: "Delete a conversation transcript",
	Long:  `Delete the transcript and archives of a conversation. Fails while a server holds the workspace.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := store.NewWorker(resolveWorkspaceID(cmd), workspaceRoot(), store.RuntimeConfig{LockTimeout: lockProbeTimeout})
		if err != nil {
			return fmt.Errorf("workspace is in use by another Parley instance: %w", err)
		}
		w.Start()
		defer w.Stop()

		if err := w.ResetConversation(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to reset conversation: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Conversation '%s' reset successfully.\n", args[0])
		return nil
	},
}

const lockProbeTimeout = 500 * time.Millisecond

func init() {
	conversationsShowCmd.Flags().Int("limit", 0, "show only the newest N messages (0 = all)")
	conversationsCmd.AddCommand(conversationsLsCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsResetCmd)
	conversationsCmd.PersistentFlags().StringP("workspace", "w", "", "Target workspace ID")
	rootCmd.AddCommand(conversationsCmd)
}
