package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/duolink/duolink/internal/client"
)

var createExpiresIn time.Duration

func init() {
	createCmd.Flags().DurationVar(&createExpiresIn, "expires-in", 0, "session lifetime (server default when unset)")
	rootCmd.AddCommand(createCmd)
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new session and print its capability link",
	Long: `Mint a new session on the broker and print the capability link.

Hand the link to your peer over a trusted channel, then run "duolink join
<link>" on both sides. The secret half of the link never reaches the broker;
without it a connecting party cannot decrypt anything.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		link, err := client.CreateSession(cmd.Context(), serverURL, createExpiresIn)
		if err != nil {
			return err
		}
		fmt.Println(link)
		return nil
	},
}
