package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/duolink/duolink/internal/client"
	"github.com/duolink/duolink/internal/keycap"
)

var joinSTUNServers []string

func init() {
	joinCmd.Flags().StringSliceVar(&joinSTUNServers, "stun", []string{"stun:stun.l.google.com:19302"},
		"STUN server URLs for NAT traversal")
	rootCmd.AddCommand(joinCmd)
}

func iceServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}

var joinCmd = &cobra.Command{
	Use:   "join <link>",
	Short: "Join a session and chat over the encrypted channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		link, err := keycap.Parse(args[0])
		if err != nil {
			return err
		}

		ch, err := client.Connect(cmd.Context(), client.Options{
			BaseURL:    serverURL,
			Link:       link,
			ICEServers: iceServers(joinSTUNServers),
		})
		if err != nil {
			return err
		}
		defer ch.Close()

		fmt.Fprintf(os.Stderr, "connected as %s; type messages, ^D to quit\n", ch.Role)

		go func() {
			for msg := range ch.Recv() {
				fmt.Printf("peer> %s\n", msg)
			}
		}()

		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if err := ch.Send(sc.Bytes()); err != nil {
				return err
			}
			select {
			case <-ch.Done():
				fmt.Fprintln(os.Stderr, "channel closed")
				return nil
			default:
			}
		}
		return sc.Err()
	},
}
