package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botforge/internal/services"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	watchServer string
	watchBotID  uint
	watchQuiet  time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a bot's training status in real time",
	Long: `Subscribes to the status push channel for one bot and prints every
snapshot. Detail rows are refetched only after a kind's counters settle,
so a burst of pipeline progress costs one listing request, not one per
change.`,
	Run: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8080", "API server base URL")
	watchCmd.Flags().UintVar(&watchBotID, "bot", 0, "bot ID to watch (required)")
	watchCmd.Flags().DurationVar(&watchQuiet, "quiet", 2*time.Second, "quiet period before refetching details")
	_ = watchCmd.MarkFlagRequired("bot")
	rootCmd.AddCommand(watchCmd)
}

// pushFrame mirrors the wire shape of one push channel message.
type pushFrame struct {
	Type      string                  `json:"type"`
	Data      services.StatusSnapshot `json:"data"`
	BotID     uint                    `json:"bot_id"`
	Timestamp time.Time               `json:"timestamp"`
}

func runWatch(cmd *cobra.Command, args []string) {
	logger := logrus.StandardLogger()
	client := &http.Client{Timeout: 30 * time.Second}

	fetch := func(ctx context.Context, botID uint, kind string) error {
		u := fmt.Sprintf("%s/api/bots/%d/content?kind=%s", watchServer, botID, url.QueryEscape(kind))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("list content: HTTP %d", resp.StatusCode)
		}
		var page struct {
			Total int64 `json:"total"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			return err
		}
		fmt.Printf("  [%s] refreshed %d items\n", kind, page.Total)
		return nil
	}

	poll := func(ctx context.Context, botID uint) (*services.StatusSnapshot, error) {
		u := fmt.Sprintf("%s/api/bots/%d/status", watchServer, botID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("poll status: HTTP %d", resp.StatusCode)
		}
		var snap services.StatusSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return nil, err
		}
		return &snap, nil
	}

	reconciler := services.NewReconciler(watchBotID, watchQuiet, fetch, poll, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	wsURL, err := websocketURL(watchServer, watchBotID)
	if err != nil {
		logger.Fatalf("Invalid server URL: %v", err)
	}

	fmt.Printf("Watching bot %d on %s\n", watchBotID, watchServer)
	backoff := time.Second
	for {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			logger.Warnf("Connect failed: %v (retrying in %s)", err, backoff)
			select {
			case <-quit:
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		// Pushes may have been missed while disconnected; one poll brings
		// the local view back in step before diffing resumes.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := reconciler.Resync(ctx); err != nil {
			logger.Warnf("Resync failed: %v", err)
		}
		cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var frame pushFrame
				if err := conn.ReadJSON(&frame); err != nil {
					return
				}
				if frame.Type != "status-snapshot" {
					continue
				}
				printSnapshot(&frame.Data)
				snap := frame.Data
				reconciler.OnSnapshot(&snap)
			}
		}()

		select {
		case <-quit:
			conn.Close()
			return
		case <-done:
			conn.Close()
			reconciler.OnDisconnect()
			logger.Warn("Connection lost, reconnecting...")
		}
	}
}

func printSnapshot(snap *services.StatusSnapshot) {
	fmt.Printf("[%s] bot %d: %s\n", time.Now().Format("15:04:05"), snap.BotID, snap.OverallStatus)
	for kind, h := range snap.Kinds {
		fmt.Printf("  %-8s queued=%d extracting=%d extracted=%d embedding=%d succeeded=%d failed=%d\n",
			kind, h.Queued, h.Extracting, h.Extracted, h.Embedding, h.Succeeded, h.Failed)
	}
}

func websocketURL(server string, botID uint) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/status"
	u.RawQuery = fmt.Sprintf("bot_id=%d", botID)
	return u.String(), nil
}
