package main

import (
	"context"
	"fmt"
	"time"

	"github.com/crewdeck/crewsync"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var whoWait time.Duration

func init() {
	whoCmd.Flags().DurationVar(&whoWait, "wait", 2*time.Second, "How long to listen for presence before printing")
	rootCmd.AddCommand(whoCmd)
}

var whoCmd = &cobra.Command{
	Use:   "who",
	Short: "List who is online",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), whoWait+15*time.Second)
		defer cancel()

		b, err := openBackends(ctx, true)
		if err != nil {
			return err
		}
		defer b.close()
		if b.opts.Channels == nil {
			return fmt.Errorf("presence needs the websocket transport or a valkey address")
		}

		s, err := crewsync.NewSession(b.opts)
		if err != nil {
			return err
		}
		defer s.Close(context.Background())
		if err := s.Start(ctx); err != nil {
			return err
		}

		select {
		case <-time.After(whoWait):
		case <-ctx.Done():
			return ctx.Err()
		}

		members := s.Presence().Members()
		if len(members) == 0 {
			fmt.Println("Nobody else is here.")
			return nil
		}
		for _, m := range members {
			state := "offline"
			if m.Online {
				state = "online"
			}
			name := valueOrDefault(m.Name, m.Identity)
			if m.Identity == b.ident.ID {
				name += " (you)"
			}
			fmt.Printf("%-24s %-8s active %s\n", name, state, humanize.Time(m.LastActiveAt))
		}
		return nil
	},
}
