package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/config"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/protocol"
	"github.com/Abdulkhalek-1/realtime-transcriptor/internal/wav"
)

var streamCmd = &cobra.Command{
	Use:   "stream <file.wav>",
	Short: "Stream a WAV file to a running relay",
	Long: `Stream a 16-bit mono PCM WAV file to a running relay and print the
transcripts as they arrive.

The file is sent in fixed-size binary chunks followed by {"eof": 1}; the
command exits after the flush result is printed. The file's sample rate
must match the relay's SAMPLE_RATE.

Examples:
  transcriptor stream speech.wav
  transcriptor stream --url ws://relay:8765/ws --realtime speech.wav
  transcriptor stream --partials=false speech.wav`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadStreamConfig()
		f := cmd.Flags()
		if f.Changed("url") {
			cfg.URL, _ = f.GetString("url")
		}
		if f.Changed("chunk") {
			cfg.ChunkBytes, _ = f.GetInt("chunk")
		}
		if f.Changed("realtime") {
			cfg.Realtime, _ = f.GetBool("realtime")
		}
		partials, _ := f.GetBool("partials")
		if cfg.ChunkBytes <= 0 {
			return fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkBytes)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runStream(ctx, cfg, args[0], partials, cmd.OutOrStdout())
	},
}

func init() {
	f := streamCmd.Flags()
	f.String("url", "", "relay websocket URL (RELAY_URL)")
	f.Int("chunk", 0, "bytes per audio frame (STREAM_CHUNK_BYTES)")
	f.Bool("realtime", false, "pace frames at the audio's playback rate (STREAM_REALTIME)")
	f.Bool("partials", true, "print non-empty partial results")
}

func runStream(ctx context.Context, cfg config.StreamConfig, path string, partials bool, out io.Writer) error {
	header, pcm, err := wav.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	fmt.Fprintf(out, "# %s: %d Hz, %s\n", path, header.SampleRate, header.Duration().Round(time.Millisecond))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	defer conn.Close()

	chunks := splitChunks(pcm, cfg.ChunkBytes)
	// one reply per frame plus the flush
	want := len(chunks) + 1

	readErr := make(chan error, 1)
	go func() {
		readErr <- readResults(conn, want, partials, out)
	}()

	var pace time.Duration
	if cfg.Realtime && header.SampleRate > 0 {
		pace = time.Duration(cfg.ChunkBytes/2) * time.Second / time.Duration(header.SampleRate)
	}

	for _, chunk := range chunks {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		if pace > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pace):
			}
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, protocol.EncodeEOF()); err != nil {
		return fmt.Errorf("send eof: %w", err)
	}

	select {
	case err := <-readErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

func readResults(conn *websocket.Conn, want int, partials bool, out io.Writer) error {
	for i := 0; i < want; i++ {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, io.EOF) {
				return fmt.Errorf("relay closed the connection after %d of %d results", i, want)
			}
			return fmt.Errorf("read result: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		line, final, err := formatResult(payload)
		if err != nil {
			return err
		}
		if line == "" || (!final && !partials) {
			continue
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

// formatResult renders one relay reply as a printable line. Empty partials
// render as "" so callers can skip them.
func formatResult(payload []byte) (line string, final bool, err error) {
	var msg struct {
		Text    *string `json:"text"`
		Partial *string `json:"partial"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", false, fmt.Errorf("decode result %q: %w", payload, err)
	}
	switch {
	case msg.Text != nil:
		return "final: " + *msg.Text, true, nil
	case msg.Partial != nil && *msg.Partial != "":
		return "partial: " + *msg.Partial, false, nil
	default:
		return "", false, nil
	}
}

func splitChunks(pcm []byte, size int) [][]byte {
	chunks := make([][]byte, 0, (len(pcm)+size-1)/size)
	for start := 0; start < len(pcm); start += size {
		end := min(start+size, len(pcm))
		chunks = append(chunks, pcm[start:end])
	}
	return chunks
}
