package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/threadsync/pkg/query"
	"github.com/aixgo-dev/threadsync/pkg/thread"
)

var (
	seedMessages int
	seedBatch    int
	seedDelay    time.Duration
	seedText     string
	seedFinalize bool
)

var seedCmd = &cobra.Command{
	Use:   "seed <thread>",
	Short: "Write demo history and a live stream to the backend",
	Long: `Seed writes finalized history messages followed by one streaming
assistant message whose text arrives as chunk deltas. With --finalize the
finished message is then written to history and its stream removed, the
way a producer hands a message over once it is complete.`,
	Args: threadArg,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().IntVarP(&seedMessages, "messages", "n", 10, "number of history messages")
	seedCmd.Flags().IntVar(&seedBatch, "batch", 3, "parts per delta")
	seedCmd.Flags().DurationVar(&seedDelay, "delay", 200*time.Millisecond, "pause between deltas")
	seedCmd.Flags().StringVar(&seedText, "text", "The quick brown fox jumps over the lazy dog.", "streamed reply text")
	seedCmd.Flags().BoolVar(&seedFinalize, "finalize", true, "write the finished reply to history")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &seeder{w: e.backend, threadID: args[0], batch: seedBatch, delay: seedDelay}
	if err := s.history(ctx, seedMessages); err != nil {
		return err
	}
	e.log.WithField("thread", s.threadID).Infof("wrote %d history messages", seedMessages)

	streamID, err := s.stream(ctx, seedMessages, seedText)
	if err != nil {
		return err
	}
	e.log.WithField("stream", streamID).Info("stream finished")

	if seedFinalize {
		if err := s.finalize(ctx, seedMessages, streamID, seedText); err != nil {
			return err
		}
		e.log.WithField("stream", streamID).Info("reply written to history")
	}
	return nil
}

type seeder struct {
	w        query.Writer
	threadID string
	batch    int
	delay    time.Duration
}

// history writes n alternating user and assistant messages at orders 0..n-1.
func (s *seeder) history(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		role := thread.RoleUser
		if i%2 == 1 {
			role = thread.RoleAssistant
		}
		text := fmt.Sprintf("message %d", i)
		msg := thread.Message{
			ID:     uuid.NewString(),
			Order:  i,
			Status: thread.StatusFinalized,
			Role:   role,
			Parts:  []thread.Part{{Type: thread.PartText, Text: text}},
			Text:   text,
		}
		if err := s.w.AddMessage(ctx, s.threadID, msg); err != nil {
			return fmt.Errorf("add message %d: %w", i, err)
		}
	}
	return nil
}

// stream registers a stream at order and emits text as chunk deltas.
func (s *seeder) stream(ctx context.Context, order int, text string) (string, error) {
	streamID := uuid.NewString()
	if err := s.w.StartStream(ctx, s.threadID, thread.StreamMessage{
		StreamID: streamID,
		Order:    order,
		Format:   thread.FormatChunkBased,
		Status:   thread.StreamStreaming,
	}); err != nil {
		return "", fmt.Errorf("start stream: %w", err)
	}

	parts, err := chunkParts(streamID, text)
	if err != nil {
		return "", err
	}
	batch := s.batch
	if batch <= 0 {
		batch = 1
	}
	for start := 0; start < len(parts); start += batch {
		end := min(start+batch, len(parts))
		d := thread.StreamDelta{StreamID: streamID, Start: start, End: end, Parts: parts[start:end]}
		if err := s.w.AppendDelta(ctx, s.threadID, d); err != nil {
			return "", fmt.Errorf("append delta %d: %w", start, err)
		}
		if s.delay > 0 {
			select {
			case <-ctx.Done():
				_ = s.w.EndStream(context.Background(), s.threadID, streamID, thread.StreamAborted)
				return "", ctx.Err()
			case <-time.After(s.delay):
			}
		}
	}

	if err := s.w.EndStream(ctx, s.threadID, streamID, thread.StreamFinished); err != nil {
		return "", fmt.Errorf("end stream: %w", err)
	}
	return streamID, nil
}

func (s *seeder) finalize(ctx context.Context, order int, streamID, text string) error {
	msg := thread.Message{
		ID:     streamID,
		Order:  order,
		Status: thread.StatusFinalized,
		Role:   thread.RoleAssistant,
		Parts:  []thread.Part{{Type: thread.PartText, Text: text}},
		Text:   text,
	}
	if err := s.w.AddMessage(ctx, s.threadID, msg); err != nil {
		return fmt.Errorf("add reply: %w", err)
	}
	return s.w.RemoveStream(ctx, s.threadID, streamID)
}

// chunkParts renders text as a chunk sequence, one text-delta per word.
func chunkParts(messageID, text string) ([]json.RawMessage, error) {
	type part struct {
		Type      string `json:"type"`
		ID        string `json:"id,omitempty"`
		MessageID string `json:"messageId,omitempty"`
		Delta     string `json:"delta,omitempty"`
	}
	seq := []part{
		{Type: "start", MessageID: messageID},
		{Type: "start-step"},
		{Type: "text-start", ID: "t0"},
	}
	for i, word := range strings.SplitAfter(text, " ") {
		if word == "" && i > 0 {
			continue
		}
		seq = append(seq, part{Type: "text-delta", ID: "t0", Delta: word})
	}
	seq = append(seq,
		part{Type: "text-end", ID: "t0"},
		part{Type: "finish-step"},
		part{Type: "finish"},
	)

	out := make([]json.RawMessage, len(seq))
	for i, p := range seq {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
