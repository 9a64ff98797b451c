package loader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/kkdai/youtube/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

const testVideoID = "dQw4w9WgXcQ"

const playerOK = `{
  "playabilityStatus": {"status": "OK", "playableInEmbed": true},
  "streamingData": {"formats": [{"itag": 18, "url": "https://example.invalid/v.mp4", "mimeType": "video/mp4"}]},
  "videoDetails": {"videoId": "dQw4w9WgXcQ", "title": "Thermodynamics in 10 minutes", "author": "Physics Lab"},
  "captions": {"playerCaptionsTracklistRenderer": {"captionTracks": [
    {"baseUrl": "https://www.youtube.com/api/timedtext?lang=de", "languageCode": "de"},
    {"baseUrl": "https://www.youtube.com/api/timedtext?lang=en&kind=asr", "languageCode": "en", "kind": "asr"},
    {"baseUrl": "https://www.youtube.com/api/timedtext?lang=en", "languageCode": "en"}
  ]}}
}`

// transcriptSegments renders a get_transcript response in the shape the
// Android innertube client returns.
func transcriptSegments(segments ...[2]string) string {
	type content struct {
		Content string `json:"content"`
	}
	type attributed struct {
		String content `json:"elementsAttributedString"`
	}
	initial := make([]map[string]any, 0, len(segments))
	for _, s := range segments {
		initial = append(initial, map[string]any{
			"transcriptSegmentRenderer": map[string]any{
				"startMs":       s[0],
				"endMs":         s[0],
				"snippet":       attributed{String: content{Content: s[1]}},
				"startTimeText": attributed{String: content{Content: "0:00"}},
			},
		})
	}
	body := map[string]any{
		"actions": []any{map[string]any{
			"elementsCommand": map[string]any{
				"transformEntityCommand": map[string]any{
					"arguments": map[string]any{
						"transformTranscriptSegmentListArguments": map[string]any{
							"overwrite": map[string]any{"initialSegments": initial},
						},
					},
				},
			},
		}},
	}
	b, _ := json.Marshal(body)
	return string(b)
}

var thermoTranscript = transcriptSegments(
	[2]string{"500", "The first law is about energy & work."},
	[2]string{"2600", "Energy can't\nbe created."},
	[2]string{"4500", "   "},
	[2]string{"5500", "Entropy of an isolated system never decreases."},
)

// transcriptLanguage decodes the language from a get_transcript params value.
func transcriptLanguage(t *testing.T, params string) string {
	t.Helper()
	raw, err := base64.RawStdEncoding.DecodeString(params)
	require.NoError(t, err)
	s := string(raw)
	// "\n\x0b" + id + "\x12" + len + escaped(base64(lang proto)) + "\x18\x01"
	require.True(t, len(s) > 2+len(testVideoID)+2)
	require.Equal(t, testVideoID, s[2:2+len(testVideoID)])
	escaped := strings.TrimSuffix(s[2+len(testVideoID)+2:], "\x18\x01")
	unescaped, err := url.QueryUnescape(escaped)
	require.NoError(t, err)
	proto, err := base64.StdEncoding.DecodeString(unescaped)
	require.NoError(t, err)
	// "\n\x03asr\x12" + len + lang + "\x1a\x00"
	require.True(t, len(proto) > 7)
	return string(proto[7 : 7+int(proto[6])])
}

// fakeYouTube answers the innertube endpoints the youtube client calls.
type fakeYouTube struct {
	t          *testing.T
	player     string
	transcript map[string]string

	mu        sync.Mutex
	requested []string
}

func (f *fakeYouTube) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "", "/":
		fmt.Fprint(w, "<html></html>")
	case "/youtubei/v1/player":
		fmt.Fprint(w, f.player)
	case "/youtubei/v1/get_transcript":
		var req struct {
			Params string `json:"params"`
		}
		if !assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		lang := transcriptLanguage(f.t, req.Params)
		f.mu.Lock()
		f.requested = append(f.requested, lang)
		f.mu.Unlock()
		body, ok := f.transcript[lang]
		if !ok {
			body = "{}"
		}
		fmt.Fprint(w, body)
	default:
		http.NotFound(w, r)
	}
}

// RoundTrip serves every request in process, whatever its host.
func (f *fakeYouTube) RoundTrip(r *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, r)
	return rec.Result(), nil
}

func newTestTranscriptLoader(t *testing.T, f *fakeYouTube, lang string) *TranscriptLoader {
	t.Helper()
	f.t = t
	l, err := NewTranscriptLoader(TranscriptConfig{
		Language:   lang,
		HTTPClient: &http.Client{Transport: f},
	})
	require.NoError(t, err)
	return l
}

func TestTranscriptLoader_Load(t *testing.T) {
	f := &fakeYouTube{player: playerOK, transcript: map[string]string{"en": thermoTranscript}}
	l := newTestTranscriptLoader(t, f, "")

	link := "https://www.youtube.com/watch?v=" + testVideoID
	chunks, err := l.Load(context.Background(), link)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, "The first law is about energy & work. Energy can't be created. Entropy of an isolated system never decreases.", c.PageContent)
	assert.Equal(t, link, c.Metadata.Source)
	assert.Equal(t, document.KindTranscript, c.Metadata.Kind)
	assert.Equal(t, "Thermodynamics in 10 minutes", c.Metadata.Title)
	assert.Equal(t, "Physics Lab", c.Metadata.Author)
	require.NotNil(t, c.Metadata.Loc.StartSeconds)
	assert.InDelta(t, 0.5, *c.Metadata.Loc.StartSeconds, 1e-9)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, []string{"en"}, f.requested)
}

func TestTranscriptLoader_RegionalFallback(t *testing.T) {
	player := strings.Replace(playerOK, `"captionTracks": [`, `"captionTracks": [{"languageCode": "en-GB"}],"unused": [`, 1)
	f := &fakeYouTube{player: player, transcript: map[string]string{"en-GB": thermoTranscript}}
	l := newTestTranscriptLoader(t, f, "en")

	chunks, err := l.Load(context.Background(), testVideoID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"en-GB"}, f.requested)
}

func TestTranscriptLoader_Errors(t *testing.T) {
	playerStatus := func(status, reason string) string {
		return fmt.Sprintf(`{"playabilityStatus":{"status":%q,"reason":%q,"playableInEmbed":true}}`, status, reason)
	}

	tests := []struct {
		name      string
		fake      *fakeYouTube
		link      string
		permanent bool
		contains  string
	}{
		{
			name:      "no caption tracks",
			fake:      &fakeYouTube{player: strings.Replace(playerOK, `"captions"`, `"unused"`, 1)},
			permanent: true,
		},
		{
			name:      "no track in language",
			fake:      &fakeYouTube{player: strings.Replace(strings.Replace(playerOK, `"languageCode": "en"`, `"languageCode": "ja"`, -1), `"kind": "asr"`, `"kind": ""`, 1)},
			permanent: true,
			contains:  `no "en" transcript`,
		},
		{
			name:      "transcript disabled",
			fake:      &fakeYouTube{player: playerOK, transcript: map[string]string{}},
			permanent: true,
			contains:  "no transcript available",
		},
		{
			name:      "private video",
			fake:      &fakeYouTube{player: playerStatus("LOGIN_REQUIRED", "This video is private")},
			permanent: true,
		},
		{
			name:      "removed video",
			fake:      &fakeYouTube{player: playerStatus("ERROR", "Video unavailable")},
			permanent: true,
			contains:  "Video unavailable",
		},
		{
			name:     "unknown playability is retryable",
			fake:     &fakeYouTube{player: playerStatus("LIVE_STREAM_OFFLINE", "Premieres soon")},
			contains: "Premieres soon",
		},
		{
			name: "malformed player response is retryable",
			fake: &fakeYouTube{player: "<html>consent wall</html>"},
		},
		{
			name:      "bad link",
			fake:      &fakeYouTube{player: playerOK},
			link:      "https://vimeo.com/12345",
			permanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestTranscriptLoader(t, tt.fake, "en")
			link := tt.link
			if link == "" {
				link = "https://youtu.be/" + testVideoID
			}

			_, err := l.Load(context.Background(), link)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err), err.Error())
			if tt.contains != "" {
				assert.Contains(t, err.Error(), tt.contains)
			}
		})
	}
}

func TestClassifyYouTubeError(t *testing.T) {
	assert.True(t, IsPermanent(classifyYouTubeError(testVideoID, youtube.ErrUnexpectedStatusCode(http.StatusNotFound))))
	assert.False(t, IsPermanent(classifyYouTubeError(testVideoID, youtube.ErrUnexpectedStatusCode(http.StatusTooManyRequests))))
	assert.True(t, IsPermanent(classifyYouTubeError(testVideoID, fmt.Errorf("can't bypass age restriction: %w", youtube.ErrLoginRequired))))
	assert.False(t, IsPermanent(classifyYouTubeError(testVideoID, context.DeadlineExceeded)))
}

func TestVideoID(t *testing.T) {
	tests := []struct {
		link    string
		want    string
		wantErr bool
	}{
		{link: testVideoID, want: testVideoID},
		{link: "https://www.youtube.com/watch?v=" + testVideoID, want: testVideoID},
		{link: "https://m.youtube.com/watch?v=" + testVideoID + "&t=42s", want: testVideoID},
		{link: "https://youtu.be/" + testVideoID, want: testVideoID},
		{link: "https://youtu.be/" + testVideoID + "?si=abc", want: testVideoID},
		{link: "https://www.youtube.com/shorts/" + testVideoID, want: testVideoID},
		{link: "https://www.youtube.com/embed/" + testVideoID, want: testVideoID},
		{link: "https://www.youtube.com/live/" + testVideoID, want: testVideoID},
		{link: "  https://youtube.com/watch?v=" + testVideoID + "  ", want: testVideoID},
		{link: "https://www.youtube.com/watch?v=short", wantErr: true},
		{link: "https://www.youtube.com/channel/UC123", wantErr: true},
		{link: "https://example.com/watch?v=" + testVideoID, wantErr: true},
		{link: "not a link", wantErr: true},
		{link: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			got, err := VideoID(tt.link)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsPermanent(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPickTrack(t *testing.T) {
	manual := youtube.CaptionTrack{BaseURL: "manual", LanguageCode: "en"}
	asr := youtube.CaptionTrack{BaseURL: "asr", LanguageCode: "en", Kind: "asr"}
	regional := youtube.CaptionTrack{BaseURL: "regional", LanguageCode: "en-GB"}
	other := youtube.CaptionTrack{BaseURL: "other", LanguageCode: "fr"}

	tests := []struct {
		name   string
		tracks []youtube.CaptionTrack
		want   string
		ok     bool
	}{
		{name: "manual wins", tracks: []youtube.CaptionTrack{asr, regional, manual}, want: "manual", ok: true},
		{name: "asr before regional", tracks: []youtube.CaptionTrack{regional, asr}, want: "asr", ok: true},
		{name: "regional fallback", tracks: []youtube.CaptionTrack{other, regional}, want: "regional", ok: true},
		{name: "no match", tracks: []youtube.CaptionTrack{other}, ok: false},
		{name: "empty", tracks: nil, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickTrack(tt.tracks, "en")
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.BaseURL)
			}
		})
	}
}

func TestGroupSegments(t *testing.T) {
	segments := []segment{
		{Start: 0, Text: "alpha beta"},
		{Start: 3, Text: "gamma"},
		{Start: 7, Text: "delta epsilon"},
		{Start: 12, Text: "zeta"},
	}
	meta := document.Metadata{Source: "https://youtu.be/x", Kind: document.KindTranscript}

	chunks := groupSegments(segments, meta, 12)
	require.Len(t, chunks, 3)

	assert.Equal(t, "alpha beta gamma", chunks[0].PageContent)
	assert.Equal(t, "delta epsilon", chunks[1].PageContent)
	assert.Equal(t, "zeta", chunks[2].PageContent)

	starts := []float64{0, 7, 12}
	for i, c := range chunks {
		require.NotNil(t, c.Metadata.Loc.StartSeconds)
		assert.Equal(t, starts[i], *c.Metadata.Loc.StartSeconds)
		assert.Equal(t, meta.Source, c.Metadata.Source)
		assert.NotEmpty(t, c.ID)
	}

	assert.Empty(t, groupSegments(nil, meta, 12))
}
