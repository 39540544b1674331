package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sellclaw/sellclaw/internal/config"
	"github.com/sellclaw/sellclaw/internal/store"
)

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect and manage stored conversations",
	}

	cmd.AddCommand(conversationsListCmd())
	cmd.AddCommand(conversationsHistoryCmd())
	cmd.AddCommand(conversationsResetCmd())

	return cmd
}

func conversationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known conversations and their lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			ids, err := st.Conversations(ctx)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if len(ids) == 0 {
				fmt.Println("no conversations stored")
				return nil
			}

			for _, id := range ids {
				fmt.Printf("%s\t%s\n", id, describeState(ctx, st, id))
			}
			return nil
		},
	}
}

func conversationsHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation's stored messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer st.Close()

			msgs, err := st.History(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			for _, m := range msgs {
				fmt.Printf("%s  %-8s  %s\n", m.CreatedAt.Format(time.RFC3339), m.Role, m.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "only the most recent N messages (0 = all)")
	return cmd
}

func conversationsResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset <conversation-id>",
		Short: "Delete a conversation's messages and lifecycle state",
		Long: "Deletes all stored messages and the lifecycle snapshot for one " +
			"conversation. This is the only way stored messages are ever removed, " +
			"and the way out of quarantine after manual inspection.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete without --yes")
			}
			st, err := openStoreFromConfig()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Reset(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("reset conversation: %w", err)
			}
			fmt.Printf("conversation %s reset\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func describeState(ctx context.Context, st store.ConversationStore, id string) string {
	snap, err := st.LoadState(ctx, id)
	switch {
	case err != nil:
		return "corrupt"
	case snap == nil:
		return "idle"
	case snap.Quarantined:
		return "quarantined"
	case snap.Approval != nil:
		return fmt.Sprintf("awaiting approval (token %s)", snap.Approval.Token)
	case snap.Batch != nil:
		return fmt.Sprintf("open batch (%d messages)", snap.Batch.Count)
	default:
		return "idle"
	}
}

func openStoreFromConfig() (store.ConversationStore, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return openStore(cfg)
}
