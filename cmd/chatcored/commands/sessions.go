package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatcore-dev/chatcore/internal/config"
	"github.com/chatcore-dev/chatcore/internal/storage"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

var sessionsDir string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsDir, "data-dir", "", "Snapshot data directory")
}

func runSessions(cmd *cobra.Command, args []string) error {
	dir := sessionsDir
	if dir == "" {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		dir = cfg.Storage.DataDir
	}

	snaps := storage.NewSnapshots(storage.New(dir))
	count := 0
	err := snaps.Each(context.Background(), func(snap *types.Snapshot) error {
		count++
		updated := "never"
		if snap.UpdatedAt > 0 {
			updated = time.UnixMilli(snap.UpdatedAt).Format(time.RFC3339)
		}
		fmt.Printf("%-30s  messages=%-4d blocks=%-4d updated=%s\n",
			snap.SessionID, len(snap.MessageOrder), len(snap.Blocks), updated)
		return nil
	})
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Println("no persisted sessions")
	}
	return nil
}
