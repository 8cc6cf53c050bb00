package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/renameio/v2"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

// maxChunkLen is the longest text the translate TTS endpoint accepts per
// request.
const maxChunkLen = 100

type SpeechOptions struct {
	Dir      string
	Language string
	URL      string
	Play     bool
	Player   string
}

// SpeechSink renders the street listing to an MP3 that can be played over
// radio for crews without data.
type SpeechSink struct {
	opts   SpeechOptions
	client *http.Client
	run    func(ctx context.Context, name string, args ...string) error
}

func NewSpeechSink(opts SpeechOptions, client *http.Client) *SpeechSink {
	return &SpeechSink{
		opts:   opts,
		client: client,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

func (s *SpeechSink) Name() string { return "speech" }

// Path is where the audio for the given edit timestamp is written.
func (s *SpeechSink) Path(editDate int64) string {
	return filepath.Join(s.opts.Dir, strconv.FormatInt(editDate, 10)+".mp3")
}

func (s *SpeechSink) Send(ctx context.Context, event models.NotificationEvent) error {
	chunks := splitText(event.StreetsMessage(), maxChunkLen)

	var audio bytes.Buffer
	for i, chunk := range chunks {
		if err := s.fetchChunk(ctx, &audio, chunk, i, len(chunks)); err != nil {
			return fmt.Errorf("error fetching speech chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("error creating speech dir: %w", err)
	}
	path := s.Path(event.EditDate)
	if err := renameio.WriteFile(path, audio.Bytes(), 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	slog.Info("speech file written", "path", path, "bytes", audio.Len())

	if !s.opts.Play {
		return nil
	}
	if err := s.run(ctx, s.opts.Player, path); err != nil {
		return fmt.Errorf("error playing %s with %s: %w", path, s.opts.Player, err)
	}
	return nil
}

func (s *SpeechSink) fetchChunk(ctx context.Context, w io.Writer, text string, idx, total int) error {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", s.opts.Language)
	q.Set("q", text)
	q.Set("textlen", strconv.Itoa(len(text)))
	q.Set("idx", strconv.Itoa(idx))
	q.Set("total", strconv.Itoa(total))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("error doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d - status: %s", resp.StatusCode, resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("error reading resp.Body: %w", err)
	}
	return nil
}

// splitText breaks text into chunks of at most max bytes, cutting at
// whitespace where possible. Words longer than max are cut hard, on a rune
// boundary.
func splitText(text string, max int) []string {
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, word := range strings.Fields(text) {
		for len(word) > max {
			flush()
			cut := max
			for cut > 0 && !utf8.RuneStart(word[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
			chunks = append(chunks, word[:cut])
			word = word[cut:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(word) > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	flush()
	return chunks
}
