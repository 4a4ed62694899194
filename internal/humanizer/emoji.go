package humanizer

import (
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jerryplusy/mioku/internal/config"
	"github.com/jerryplusy/mioku/internal/gateway"
	"github.com/jerryplusy/mioku/internal/httpkit"
	"github.com/jerryplusy/mioku/internal/llm"
	"github.com/jerryplusy/mioku/internal/store"
)

// Emotions is the closed taxonomy for sticker classification.
var Emotions = []string{
	"happy", "sad", "angry", "surprised", "disgusted", "scared",
	"neutral", "funny", "cute", "confused", "excited", "tired", "love",
}

// emojiExtensions are the file types registered from the emoji
// directory.
var emojiExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// Fetch limits per emotion when picking.
const (
	emojiPickLimit        = 5
	emojiNeutralFallback  = 3
	emojiDownloadTimeout  = 20 * time.Second
	emojiDownloadMaxBytes = 8 << 20
)

// emotionCues is the quick keyword classifier consulted before the
// model. First matching emotion wins.
var emotionCues = []struct {
	emotion string
	cues    []string
}{
	{"happy", []string{"哈哈", "开心", "高兴", "太好了", "nice", "haha", "lol", ":)"}},
	{"sad", []string{"难过", "伤心", "呜呜", "哭", "唉", "sad", "cry", ":("}},
	{"angry", []string{"生气", "气死", "可恶", "烦", "angry", "annoying"}},
	{"surprised", []string{"惊", "天哪", "什么??", "居然", "wow", "what!"}},
	{"scared", []string{"怕", "吓", "恐怖", "scary", "afraid"}},
	{"funny", []string{"笑死", "绷不住", "离谱", "funny", "lmao"}},
	{"cute", []string{"可爱", "萌", "cute", "adorable"}},
	{"confused", []string{"懵", "不懂", "为什么", "怎么回事", "confused", "huh"}},
	{"excited", []string{"冲", "激动", "期待", "excited", "let's go"}},
	{"tired", []string{"累", "困", "睡", "tired", "sleepy"}},
	{"love", []string{"爱", "喜欢你", "亲", "love", "<3"}},
}

// EmojiSystem registers stickers and picks one to attach to replies.
type EmojiSystem struct {
	cfg        config.EmojiConfig
	store      *store.Store
	llm        llm.Client
	model      string
	multimodal bool
	logger     *slog.Logger
	httpClient *http.Client
	randFn     func() float64
	pickFn     func(n int) int
}

// NewEmojiSystem creates the sticker subsystem.
func NewEmojiSystem(cfg config.EmojiConfig, st *store.Store, client llm.Client, model string, multimodal bool, logger *slog.Logger) *EmojiSystem {
	return &EmojiSystem{
		cfg:        cfg,
		store:      st,
		llm:        client,
		model:      model,
		multimodal: multimodal,
		logger:     logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(emojiDownloadTimeout),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		randFn: rand.Float64,
		pickFn: rand.Intn,
	}
}

// Bootstrap scans the emoji directory and registers files the store
// does not know yet. Missing directories are created.
func (e *EmojiSystem) Bootstrap(ctx context.Context) error {
	if !e.cfg.Enabled {
		return nil
	}
	if err := os.MkdirAll(e.cfg.EmojiDir, 0o750); err != nil {
		return fmt.Errorf("create emoji dir: %w", err)
	}

	entries, err := os.ReadDir(e.cfg.EmojiDir)
	if err != nil {
		return fmt.Errorf("read emoji dir: %w", err)
	}

	registered := 0
	for _, entry := range entries {
		if entry.IsDir() || !emojiExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		known, err := e.store.HasEmoji(entry.Name())
		if err != nil {
			return err
		}
		if known {
			continue
		}
		if err := e.register(ctx, filepath.Join(e.cfg.EmojiDir, entry.Name())); err != nil {
			e.logger.Warn("emoji registration failed", "file", entry.Name(), "error", err)
			continue
		}
		registered++
	}

	e.logger.Info("emoji bootstrap complete", "dir", e.cfg.EmojiDir, "new", registered)
	return nil
}

// register analyzes one image file and stores its registration.
func (e *EmojiSystem) register(ctx context.Context, path string) error {
	desc, emotion := e.analyzeEmotion(ctx, path)
	_, err := e.store.SaveEmoji(&store.Emoji{
		FileName:    filepath.Base(path),
		Description: desc,
		Emotion:     emotion,
	})
	return err
}

// analyzeEmotion classifies one image. With a multimodal model the
// image is sent base64-encoded; otherwise the filename stands in for a
// description and the emotion defaults to neutral.
func (e *EmojiSystem) analyzeEmotion(ctx context.Context, path string) (description, emotion string) {
	name := filepath.Base(path)
	if !e.multimodal {
		return name, "neutral"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		e.logger.Warn("emoji read failed", "file", name, "error", err)
		return name, "neutral"
	}

	mime := "image/png"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	case ".gif":
		mime = "image/gif"
	case ".webp":
		mime = "image/webp"
	}
	dataURI := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))

	prompt := fmt.Sprintf(`Describe this sticker and classify its emotion.
Respond with only a JSON object: {"description": "...", "emotion": "..."}
emotion must be one of: %s`, strings.Join(Emotions, ", "))

	raw, err := e.llm.GenerateMultimodal(ctx, llm.TextRequest{
		Model: e.model,
		Messages: []llm.Message{{
			Role:  "user",
			Parts: []llm.ContentPart{llm.TextPart(prompt), llm.ImagePart(dataURI)},
		}},
		Temperature: 0.2,
		MaxTokens:   200,
	})
	if err != nil {
		e.logger.Warn("emoji analysis failed", "file", name, "error", err)
		return name, "neutral"
	}

	var parsed struct {
		Description string `json:"description"`
		Emotion     string `json:"emotion"`
	}
	if err := unmarshalLenient(raw, &parsed); err != nil || !validEmotion(parsed.Emotion) {
		return name, "neutral"
	}
	if parsed.Description == "" {
		parsed.Description = name
	}
	return parsed.Description, parsed.Emotion
}

// CollectFromSegments downloads inbound image segments into the emoji
// directory and registers them. Best-effort; callers invoke this from
// a background goroutine.
func (e *EmojiSystem) CollectFromSegments(ctx context.Context, segments []gateway.Segment) {
	if !e.cfg.Enabled {
		return
	}
	for _, seg := range segments {
		ref, ok := seg.ImageRef()
		if !ok || !strings.HasPrefix(ref, "http") {
			continue
		}
		if err := e.collectOne(ctx, ref); err != nil {
			e.logger.Debug("emoji collection skipped", "url", ref, "error", err)
		}
	}
}

func (e *EmojiSystem) collectOne(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, emojiDownloadMaxBytes)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, emojiDownloadMaxBytes))
	if err != nil {
		return err
	}

	ext := extensionForContentType(resp.Header.Get("Content-Type"))
	if ext == "" {
		return fmt.Errorf("unsupported content type")
	}
	name := fmt.Sprintf("collected_%x%s", shortHash(data), ext)

	known, err := e.store.HasEmoji(name)
	if err != nil || known {
		return err
	}

	path := filepath.Join(e.cfg.EmojiDir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return err
	}
	return e.register(ctx, path)
}

// PickEmoji possibly selects a sticker matching the reply's mood.
// Returns the file path, or "" when the roll fails or nothing fits.
func (e *EmojiSystem) PickEmoji(ctx context.Context, replyText string) string {
	if !e.cfg.Enabled || replyText == "" {
		return ""
	}
	if e.randFn() >= e.cfg.SendProbability {
		return ""
	}

	emotion := classifyByKeyword(replyText)
	if emotion == "" {
		emotion = e.classifyByModel(ctx, replyText)
	}

	candidates, err := e.store.GetEmojisByEmotion(emotion, emojiPickLimit)
	if err != nil {
		e.logger.Warn("emoji lookup failed", "emotion", emotion, "error", err)
		return ""
	}
	if len(candidates) == 0 && emotion != "neutral" {
		candidates, _ = e.store.GetEmojisByEmotion("neutral", emojiNeutralFallback)
	}
	if len(candidates) == 0 {
		return ""
	}

	chosen := e.weightedPick(candidates)
	if err := e.store.IncrementEmojiUsage(chosen.ID); err != nil {
		e.logger.Warn("emoji usage increment failed", "id", chosen.ID, "error", err)
	}
	return filepath.Join(e.cfg.EmojiDir, chosen.FileName)
}

// weightedPick samples inversely proportional to usage so rarely sent
// stickers surface: weight = max_usage + 1 - usage + 1.
func (e *EmojiSystem) weightedPick(candidates []*store.Emoji) *store.Emoji {
	maxUsage := 0
	for _, c := range candidates {
		if c.UsageCount > maxUsage {
			maxUsage = c.UsageCount
		}
	}

	total := 0
	weights := make([]int, len(candidates))
	for i, c := range candidates {
		weights[i] = maxUsage + 1 - c.UsageCount + 1
		total += weights[i]
	}

	roll := e.pickFn(total)
	for i, w := range weights {
		if roll < w {
			return candidates[i]
		}
		roll -= w
	}
	return candidates[len(candidates)-1]
}

// classifyByKeyword scans the cue table; "" means no match.
func classifyByKeyword(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range emotionCues {
		for _, cue := range entry.cues {
			if strings.Contains(lower, cue) {
				return entry.emotion
			}
		}
	}
	return ""
}

// classifyByModel asks the model for a single taxonomy label,
// defaulting to neutral on anything unexpected.
func (e *EmojiSystem) classifyByModel(ctx context.Context, text string) string {
	raw, err := e.llm.GenerateText(ctx, llm.TextRequest{
		Model: e.model,
		Prompt: fmt.Sprintf("Classify the mood of this chat message as exactly one of: %s\n\nMessage: %s\n\nRespond with the single label only.",
			strings.Join(Emotions, ", "), text),
		Temperature: 0.1,
		MaxTokens:   10,
	})
	if err != nil {
		return "neutral"
	}
	label := strings.ToLower(strings.TrimSpace(raw))
	if validEmotion(label) {
		return label
	}
	return "neutral"
}

func validEmotion(label string) bool {
	for _, e := range Emotions {
		if e == label {
			return true
		}
	}
	return false
}

func extensionForContentType(ct string) string {
	switch {
	case strings.Contains(ct, "jpeg"):
		return ".jpg"
	case strings.Contains(ct, "png"):
		return ".png"
	case strings.Contains(ct, "gif"):
		return ".gif"
	case strings.Contains(ct, "webp"):
		return ".webp"
	default:
		return ""
	}
}

// shortHash builds a stable name fragment for collected images.
func shortHash(data []byte) uint32 {
	h := fnv.New32a()
	h.Write(data)
	return h.Sum32()
}
