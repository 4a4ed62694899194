package store

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func saveN(t *testing.T, s *Store, sessionID string, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.SaveMessage(&Message{
			SessionID: sessionID,
			Role:      "user",
			Content:   content(i),
			UserID:    42,
			UserName:  "Bob",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveMessage %d: %v", i, err)
		}
	}
}

func content(i int) string {
	return "msg-" + string(rune('a'+i))
}

func TestGetMessagesAscendingWithLimit(t *testing.T) {
	s := testStore(t)
	base := time.Now().Add(-time.Hour)
	saveN(t, s, "group:100", 5, base)

	msgs, err := s.GetMessages("group:100", 3, time.Time{})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	// Last 3 rows, ascending: c, d, e.
	if msgs[0].Content != "msg-c" || msgs[2].Content != "msg-e" {
		t.Errorf("order = %q..%q", msgs[0].Content, msgs[2].Content)
	}
	if !msgs[0].Timestamp.Before(msgs[1].Timestamp) {
		t.Error("messages not in ascending time order")
	}
}

func TestGetMessagesBeforeCursor(t *testing.T) {
	s := testStore(t)
	base := time.Now().Add(-time.Hour)
	saveN(t, s, "group:100", 5, base)

	cutoff := base.Add(3 * time.Second) // excludes msg-d, msg-e
	msgs, err := s.GetMessages("group:100", 10, cutoff)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[len(msgs)-1].Content != "msg-c" {
		t.Errorf("last = %q, want msg-c", msgs[len(msgs)-1].Content)
	}
}

func TestSearchMessages(t *testing.T) {
	s := testStore(t)
	base := time.Now()
	for i, text := range []string{"the weather is nice", "unrelated", "weather again"} {
		if err := s.SaveMessage(&Message{
			SessionID: "group:100", Role: "user", Content: text,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.SearchMessages("group:100", "weather", 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Content != "the weather is nice" {
		t.Errorf("first = %q, want ascending order", msgs[0].Content)
	}
}

func TestGetMessagesByUserAcrossSessions(t *testing.T) {
	s := testStore(t)
	base := time.Now()
	s.SaveMessage(&Message{SessionID: "group:100", Role: "user", Content: "in group", UserID: 42, Timestamp: base})
	s.SaveMessage(&Message{SessionID: "personal:42", Role: "user", Content: "in personal", UserID: 42, Timestamp: base.Add(time.Second)})
	s.SaveMessage(&Message{SessionID: "group:100", Role: "user", Content: "other user", UserID: 7, Timestamp: base.Add(2 * time.Second)})

	all, err := s.GetMessagesByUser(42, "", 10)
	if err != nil {
		t.Fatalf("GetMessagesByUser: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}

	scoped, err := s.GetMessagesByUser(42, "group:100", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 || scoped[0].Content != "in group" {
		t.Errorf("scoped = %+v", scoped)
	}
}

func TestResetSessionPreservesIdentity(t *testing.T) {
	s := testStore(t)
	sess := &Session{ID: "group:100", Type: SessionGroup, TargetID: 100}
	if err := s.CreateSession(sess); err != nil {
		t.Fatal(err)
	}
	if err := s.SetCompressedContext("group:100", "summary so far"); err != nil {
		t.Fatal(err)
	}
	saveN(t, s, "group:100", 3, time.Now())

	if err := s.ResetSession("group:100"); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}

	msgs, err := s.GetMessages("group:100", 10, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages after reset = %d, want 0", len(msgs))
	}

	got, err := s.GetSession("group:100")
	if err != nil {
		t.Fatalf("session identity lost: %v", err)
	}
	if got.CompressedContext != "" {
		t.Errorf("compressed context = %q, want cleared", got.CompressedContext)
	}
}

func TestCreateSessionIdempotent(t *testing.T) {
	s := testStore(t)
	first := &Session{ID: "personal:42", Type: SessionPersonal, TargetID: 42}
	if err := s.CreateSession(first); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(&Session{ID: "personal:42", Type: SessionPersonal, TargetID: 42}); err != nil {
		t.Fatalf("second create: %v", err)
	}
}

func TestTopicUpdateAndPrune(t *testing.T) {
	s := testStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		topic := &Topic{
			SessionID: "group:100",
			Title:     content(i),
			Keywords:  []string{"k"},
			Summary:   "s",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveTopic(topic); err != nil {
			t.Fatal(err)
		}
	}

	topics, err := s.GetTopics("group:100", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(topics) != 5 {
		t.Fatalf("len = %d", len(topics))
	}
	// Most recently updated first.
	if topics[0].Title != "msg-e" {
		t.Errorf("first topic = %q", topics[0].Title)
	}

	// Field-level merge bumps count and rewrites summary only.
	newSummary := "updated"
	if err := s.UpdateTopic(topics[4].ID, TopicPatch{Summary: &newSummary, MessageCountDelta: 7}); err != nil {
		t.Fatalf("UpdateTopic: %v", err)
	}
	topics, _ = s.GetTopics("group:100", 10)
	if topics[0].Summary != "updated" || topics[0].MessageCount != 7 {
		t.Errorf("merged topic = %+v", topics[0])
	}
	if len(topics[0].Keywords) != 1 {
		t.Error("keywords clobbered by patch without Keywords")
	}

	if err := s.PruneTopics("group:100", 2); err != nil {
		t.Fatalf("PruneTopics: %v", err)
	}
	topics, _ = s.GetTopics("group:100", 10)
	if len(topics) != 2 {
		t.Errorf("after prune = %d, want 2", len(topics))
	}
}

func TestExpressionCapOldestFirst(t *testing.T) {
	s := testStore(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		err := s.SaveExpression(&Expression{
			SessionID: "group:100", UserID: 42, Situation: "s", Style: "st",
			Example:   content(i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := s.DeleteOldestExpressions("group:100", 4); err != nil {
		t.Fatalf("DeleteOldestExpressions: %v", err)
	}

	n, err := s.GetExpressionCount("group:100")
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("count = %d, want 4", n)
	}

	kept, _ := s.GetExpressions("group:100", 10)
	for _, e := range kept {
		if e.Example == "msg-a" || e.Example == "msg-b" {
			t.Errorf("oldest expression %q survived", e.Example)
		}
	}
}

func TestEmojiUniqueAndUsageOrdering(t *testing.T) {
	s := testStore(t)

	inserted, err := s.SaveEmoji(&Emoji{FileName: "cat.png", Description: "a cat", Emotion: "cute"})
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Error("first save not inserted")
	}
	dup, err := s.SaveEmoji(&Emoji{FileName: "cat.png", Description: "other", Emotion: "happy"})
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("duplicate file_name inserted")
	}

	s.SaveEmoji(&Emoji{FileName: "dog.png", Emotion: "cute"})

	all, _ := s.GetAllEmojis()
	if len(all) != 2 {
		t.Fatalf("all = %d, want 2", len(all))
	}

	// dog gets more usage, should sort first within the emotion.
	var dogID int64
	for _, e := range all {
		if e.FileName == "dog.png" {
			dogID = e.ID
		}
	}
	for i := 0; i < 3; i++ {
		if err := s.IncrementEmojiUsage(dogID); err != nil {
			t.Fatal(err)
		}
	}

	cute, err := s.GetEmojisByEmotion("cute", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(cute) != 2 || cute[0].FileName != "dog.png" || cute[0].UsageCount != 3 {
		t.Errorf("cute = %+v", cute)
	}

	ok, err := s.HasEmoji("cat.png")
	if err != nil || !ok {
		t.Errorf("HasEmoji(cat.png) = %v, %v", ok, err)
	}
	ok, _ = s.HasEmoji("missing.png")
	if ok {
		t.Error("HasEmoji(missing.png) = true")
	}
}
