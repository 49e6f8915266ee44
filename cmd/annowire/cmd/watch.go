package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seglab/annowire/pkg/annowire/objects"
	"github.com/seglab/annowire/pkg/annowire/otel"
	"github.com/seglab/annowire/pkg/annowire/session"
	"github.com/seglab/annowire/pkg/annowire/subutils"
	"github.com/seglab/annowire/pkg/annowire/wire"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <endpoint> <image-id>",
	Short: "Join an annotation session and print server pushes",
	Long: `Join an annotation session for the given image and print every
server push to stdout as it arrives.

The first argument is the backend endpoint (e.g. wss://annotate.example.com),
the second is the image identifier to open.

Examples:
  annowire watch wss://annotate.example.com slide-0042
  annowire watch wss://annotate.example.com slide-0042 --user 1042
  annowire watch wss://annotate.example.com slide-0042 --jq '.contour_id'`,
	Args: cobra.ExactArgs(2),
	RunE: runWatch,
}

var (
	watchUserID      int64
	watchJq          string
	handshakeTimeout time.Duration
	watchMetrics     bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Int64Var(&watchUserID, "user", 0, "numeric user id (random if unset)")
	watchCmd.Flags().StringVar(&watchJq, "jq", "", "JQ query applied to push payloads before printing")
	watchCmd.Flags().DurationVar(&handshakeTimeout, "handshake-timeout", 20*time.Second, "session handshake timeout")
	watchCmd.Flags().BoolVar(&watchMetrics, "metrics", false, "record OpenTelemetry metrics")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	endpoint, imageID := args[0], args[1]

	storeBuilder := objects.NewStore().WithLogger(logger)
	sessionBuilder := session.NewSession().
		WithEndpoint(endpoint).
		WithUserID(watchUserID).
		WithLogger(logger).
		WithHandshakeTimeout(handshakeTimeout)

	if watchMetrics {
		provider := otel.NewProvider("annowire", version)
		storeBuilder = storeBuilder.WithMetrics(provider)
		sessionBuilder = sessionBuilder.WithMetrics(provider).WithTracing(provider)
	}

	store := storeBuilder.Build()
	if err := store.Start(); err != nil {
		return err
	}
	defer store.Stop()

	sess, err := sessionBuilder.WithStore(store).Build()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	avail, err := sess.Initialize(ctx, imageID)
	if err != nil {
		logger.Error("Failed to initialize session", zap.Error(err))
		return err
	}

	logger.Info("Session ready",
		zap.Int64("user", sess.UserID()),
		zap.Strings("running", avail.Running),
		zap.Strings("failed", avail.Failed),
		zap.Int("objects", store.Len(ctx)))

	// Printing runs on its own goroutine so slow stdout never stalls
	// the connection's read loop.
	printer := subutils.NewAsyncHandler(printMessage, 256).Start()
	defer printer.Close()

	var unsub func()
	if watchJq != "" {
		filter, err := subutils.JqFilter(watchJq, logger)
		if err != nil {
			return err
		}
		unsub = sess.Conn().OnAny(filter(printFiltered))
	} else {
		unsub = sess.Conn().OnAny(printer.Handle)
	}
	defer unsub()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Listening for pushes... (Press Ctrl+C to exit)")

	select {
	case sig := <-sigChan:
		logger.Debug("Signal received, exiting", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := sess.Close(shutdownCtx, true); err != nil {
		logger.Warn("Error during session close", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

func printMessage(ctx context.Context, msg wire.Message) {
	if len(msg.Data) > 0 {
		fmt.Printf("%s\t%s\n", msg.Type, string(msg.Data))
	} else {
		fmt.Printf("%s\n", msg.Type)
	}
}

func printFiltered(ctx context.Context, v any) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		fmt.Printf("<error marshaling JSON: %v>\n", err)
		return
	}
	fmt.Printf("%s\n", string(jsonBytes))
}
