package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/duolink/duolink/internal/client"
	"github.com/duolink/duolink/internal/keycap"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(revokeCmd)
}

// sessionIDFromArg accepts either a bare session id or a full capability link.
func sessionIDFromArg(arg string) string {
	if link, err := keycap.Parse(arg); err == nil {
		return link.SessionID
	}
	return strings.TrimSpace(arg)
}

var statusCmd = &cobra.Command{
	Use:   "status <link-or-session-id>",
	Short: "Show a session's state on the broker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := client.GetSession(cmd.Context(), serverURL, sessionIDFromArg(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("session:      %s\n", info.SessionID)
		fmt.Printf("status:       %s\n", info.Status)
		fmt.Printf("participants: %d\n", info.ParticipantCount)
		fmt.Printf("expires at:   %s\n", info.ExpiresAt)
		return nil
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <link-or-session-id>",
	Short: "Delete a session so nobody else can join it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client.DeleteSession(cmd.Context(), serverURL, sessionIDFromArg(args[0]))
	},
}
