package humanizer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jerryplusy/mioku/internal/config"
	"github.com/jerryplusy/mioku/internal/store"
)

func emojiSystem(t *testing.T, st *store.Store, client *fakeLLM, multimodal bool) *EmojiSystem {
	t.Helper()
	cfg := config.EmojiConfig{Enabled: true, EmojiDir: t.TempDir(), SendProbability: 0.2}
	return NewEmojiSystem(cfg, st, client, "m", multimodal, discardLogger())
}

func TestBootstrapRegistersImageFiles(t *testing.T) {
	st := memStore(t)
	e := emojiSystem(t, st, &fakeLLM{}, false)

	for _, name := range []string{"cat.png", "dog.GIF", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(e.cfg.EmojiDir, name), []byte("x"), 0o640); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	all, _ := st.GetAllEmojis()
	if len(all) != 2 {
		t.Fatalf("registered = %d, want 2 (txt skipped)", len(all))
	}
	// Non-multimodal fallback: filename description, neutral emotion.
	for _, em := range all {
		if em.Emotion != "neutral" || em.Description == "" {
			t.Errorf("emoji = %+v", em)
		}
	}

	// Second bootstrap is a no-op for known files.
	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	all, _ = st.GetAllEmojis()
	if len(all) != 2 {
		t.Errorf("after rescan = %d", len(all))
	}
}

func TestMultimodalAnalysisClassifies(t *testing.T) {
	st := memStore(t)
	client := &fakeLLM{textQueue: []string{
		`{"description": "a crying cat", "emotion": "sad"}`,
	}}
	e := emojiSystem(t, st, client, true)

	path := filepath.Join(e.cfg.EmojiDir, "crycat.png")
	os.WriteFile(path, []byte("fakepng"), 0o640)

	if err := e.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	all, _ := st.GetAllEmojis()
	if len(all) != 1 || all[0].Emotion != "sad" || all[0].Description != "a crying cat" {
		t.Fatalf("emoji = %+v", all[0])
	}

	// One analysis request went out, carrying the classification prompt.
	if len(client.prompts) != 1 || !strings.Contains(client.prompts[0], "emotion") {
		t.Error("analysis prompt missing")
	}
}

func TestInvalidEmotionFallsBackToNeutral(t *testing.T) {
	st := memStore(t)
	client := &fakeLLM{textQueue: []string{
		`{"description": "??", "emotion": "melancholy"}`,
	}}
	e := emojiSystem(t, st, client, true)
	os.WriteFile(filepath.Join(e.cfg.EmojiDir, "x.png"), []byte("img"), 0o640)

	e.Bootstrap(context.Background())

	all, _ := st.GetAllEmojis()
	if all[0].Emotion != "neutral" {
		t.Errorf("emotion = %q, want neutral for out-of-taxonomy label", all[0].Emotion)
	}
}

func TestPickEmojiProbabilityGate(t *testing.T) {
	st := memStore(t)
	e := emojiSystem(t, st, &fakeLLM{}, false)
	st.SaveEmoji(&store.Emoji{FileName: "happy.png", Emotion: "happy"})

	e.randFn = func() float64 { return 0.9 } // above send probability
	if got := e.PickEmoji(context.Background(), "哈哈 so good"); got != "" {
		t.Errorf("PickEmoji = %q, want gated off", got)
	}

	e.randFn = func() float64 { return 0.1 }
	e.pickFn = func(n int) int { return 0 }
	got := e.PickEmoji(context.Background(), "哈哈 so good")
	if filepath.Base(got) != "happy.png" {
		t.Errorf("PickEmoji = %q", got)
	}
}

func TestPickEmojiKeywordBeforeModel(t *testing.T) {
	st := memStore(t)
	client := &fakeLLM{}
	e := emojiSystem(t, st, client, false)
	st.SaveEmoji(&store.Emoji{FileName: "sad.png", Emotion: "sad"})

	e.randFn = func() float64 { return 0 }
	e.pickFn = func(n int) int { return 0 }

	got := e.PickEmoji(context.Background(), "呜呜太难过了")
	if filepath.Base(got) != "sad.png" {
		t.Errorf("PickEmoji = %q", got)
	}
	if len(client.prompts) != 0 {
		t.Error("model consulted despite keyword hit")
	}
}

func TestPickEmojiModelFallbackAndNeutral(t *testing.T) {
	st := memStore(t)
	client := &fakeLLM{textQueue: []string{"excited"}}
	e := emojiSystem(t, st, client, false)
	// No excited emojis registered; only neutral.
	st.SaveEmoji(&store.Emoji{FileName: "blank.png", Emotion: "neutral"})

	e.randFn = func() float64 { return 0 }
	e.pickFn = func(n int) int { return 0 }

	got := e.PickEmoji(context.Background(), "mysterious message with no cues")
	if filepath.Base(got) != "blank.png" {
		t.Errorf("PickEmoji = %q, want neutral fallback", got)
	}
}

func TestWeightedPickFavorsUnused(t *testing.T) {
	st := memStore(t)
	e := emojiSystem(t, st, &fakeLLM{}, false)

	candidates := []*store.Emoji{
		{ID: 1, FileName: "a.png", UsageCount: 4},
		{ID: 2, FileName: "b.png", UsageCount: 0},
	}
	// Weights: a = 4+1-4+1 = 2, b = 4+1-0+1 = 6, total 8.
	e.pickFn = func(n int) int {
		if n != 8 {
			t.Errorf("total weight = %d, want 8", n)
		}
		return 2 // lands in b's range after a's weight 2
	}
	if got := e.weightedPick(candidates); got.FileName != "b.png" {
		t.Errorf("weightedPick = %q", got.FileName)
	}

	e.pickFn = func(n int) int { return 1 }
	if got := e.weightedPick(candidates); got.FileName != "a.png" {
		t.Errorf("weightedPick = %q", got.FileName)
	}
}

func TestUsageIncrementedOnPick(t *testing.T) {
	st := memStore(t)
	e := emojiSystem(t, st, &fakeLLM{}, false)
	st.SaveEmoji(&store.Emoji{FileName: "happy.png", Emotion: "happy"})

	e.randFn = func() float64 { return 0 }
	e.pickFn = func(n int) int { return 0 }
	e.PickEmoji(context.Background(), "哈哈")

	emojis, _ := st.GetEmojisByEmotion("happy", 5)
	if emojis[0].UsageCount != 1 {
		t.Errorf("usage = %d, want 1", emojis[0].UsageCount)
	}
}
