package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/kkdai/youtube/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

const (
	// transcriptChunkChars is the target size of a grouped transcript chunk.
	transcriptChunkChars = 1000
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// TranscriptConfig configures TranscriptLoader.
type TranscriptConfig struct {
	// Language is the preferred caption language code. Default: "en"
	Language   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// TranscriptLoader fetches the transcript of a YouTube video and groups
// its segments into chunks. Each chunk records the start offset of its
// first segment plus the video title and channel.
type TranscriptLoader struct {
	language string
	client   *http.Client
	logger   *zap.Logger
}

// NewTranscriptLoader creates a TranscriptLoader.
func NewTranscriptLoader(cfg TranscriptConfig) (*TranscriptLoader, error) {
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &TranscriptLoader{
		language: cfg.Language,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}, nil
}

// Load fetches the transcript of the video at link.
func (l *TranscriptLoader) Load(ctx context.Context, link string) ([]document.Chunk, error) {
	id, err := VideoID(link)
	if err != nil {
		return nil, err
	}

	// youtube.Client caches visitor data and may switch to the embedded
	// player client, so each load gets its own.
	yt := &youtube.Client{HTTPClient: l.client}

	video, err := yt.GetVideoContext(ctx, id)
	if err != nil {
		return nil, classifyYouTubeError(id, err)
	}

	track, ok := pickTrack(video.CaptionTracks, l.language)
	if !ok {
		return nil, Permanentf("video %s: no %q transcript available", id, l.language)
	}

	transcript, err := yt.GetTranscriptCtx(ctx, video, track.LanguageCode)
	if err != nil {
		return nil, classifyYouTubeError(id, err)
	}
	segments := toSegments(transcript)

	meta := document.Metadata{
		Source: link,
		Kind:   document.KindTranscript,
		Title:  video.Title,
		Author: video.Author,
	}
	chunks := groupSegments(segments, meta, transcriptChunkChars)
	if len(chunks) == 0 {
		return nil, Permanentf("video %s: transcript is empty", id)
	}

	l.logger.Debug("loaded transcript",
		zap.String("video_id", id),
		zap.String("language", track.LanguageCode),
		zap.Bool("auto_generated", track.Kind == "asr"),
		zap.Int("segments", len(segments)),
		zap.Int("chunks", len(chunks)),
	)
	return chunks, nil
}

// classifyYouTubeError marks failures that a retry cannot fix as permanent.
func classifyYouTubeError(id string, err error) error {
	var status *youtube.ErrPlayabiltyStatus
	var code youtube.ErrUnexpectedStatusCode
	switch {
	case errors.Is(err, youtube.ErrTranscriptDisabled):
		return Permanentf("video %s: no transcript available", id)
	case errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrNotPlayableInEmbed):
		return Permanent(fmt.Errorf("video %s: %w", id, err))
	case errors.As(err, &status):
		switch status.Status {
		case "ERROR", "LOGIN_REQUIRED", "UNPLAYABLE":
			return Permanentf("video %s: %s: %s", id, status.Status, status.Reason)
		}
	case errors.As(err, &code):
		if code == http.StatusNotFound || code == http.StatusGone {
			return Permanent(fmt.Errorf("video %s: %w", id, err))
		}
	}
	return fmt.Errorf("video %s: %w", id, err)
}

func toSegments(transcript youtube.VideoTranscript) []segment {
	segments := make([]segment, 0, len(transcript))
	for _, s := range transcript {
		text := strings.Join(strings.Fields(s.Text), " ")
		if text == "" {
			continue
		}
		segments = append(segments, segment{Start: float64(s.StartMs) / 1000, Text: text})
	}
	return segments
}

type segment struct {
	Start float64
	Text  string
}

// groupSegments joins consecutive segments until a chunk reaches about
// limit characters.
func groupSegments(segments []segment, meta document.Metadata, limit int) []document.Chunk {
	var (
		chunks []document.Chunk
		buf    strings.Builder
		start  float64
	)
	flush := func() {
		if buf.Len() == 0 {
			return
		}
		md := meta
		md.Loc = document.Locator{StartSeconds: document.Seconds(start)}
		chunks = append(chunks, document.Chunk{PageContent: buf.String(), Metadata: md})
		buf.Reset()
	}

	for _, s := range segments {
		if buf.Len() == 0 {
			start = s.Start
		} else {
			buf.WriteByte(' ')
		}
		buf.WriteString(s.Text)
		if buf.Len() >= limit {
			flush()
		}
	}
	flush()

	document.AssignIDs(chunks)
	return chunks
}

// pickTrack prefers a manual track in lang, then an auto-generated one,
// then any regional variant such as en-GB.
func pickTrack(tracks []youtube.CaptionTrack, lang string) (youtube.CaptionTrack, bool) {
	var asr, regional *youtube.CaptionTrack
	for i := range tracks {
		t := &tracks[i]
		switch {
		case t.LanguageCode == lang && t.Kind != "asr":
			return *t, true
		case t.LanguageCode == lang:
			if asr == nil {
				asr = t
			}
		case strings.HasPrefix(t.LanguageCode, lang+"-"):
			if regional == nil {
				regional = t
			}
		}
	}
	if asr != nil {
		return *asr, true
	}
	if regional != nil {
		return *regional, true
	}
	return youtube.CaptionTrack{}, false
}

// VideoID extracts the 11-character video ID from a YouTube link.
// Accepted forms: youtu.be/ID, youtube.com/watch?v=ID, /shorts/ID,
// /embed/ID, /live/ID, or the bare ID.
func VideoID(link string) (string, error) {
	link = strings.TrimSpace(link)
	if videoIDPattern.MatchString(link) {
		return link, nil
	}

	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return "", Permanentf("not a video link: %q", link)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		switch {
		case parts[0] == "watch":
			id = u.Query().Get("v")
		case len(parts) >= 2 && (parts[0] == "shorts" || parts[0] == "embed" || parts[0] == "live" || parts[0] == "v"):
			id = parts[1]
		}
	default:
		return "", Permanentf("unsupported video host %q", u.Host)
	}

	if !videoIDPattern.MatchString(id) {
		return "", Permanentf("no video id in %q", link)
	}
	return id, nil
}

var _ Loader = (*TranscriptLoader)(nil)
