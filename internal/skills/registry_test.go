package skills

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Now()
	r.now = func() time.Time { return now }
	return r, &now
}

func weatherSkill() *Skill {
	return &Skill{
		Name:        "weather",
		Description: "weather lookups",
		Tools: []*Tool{
			{Name: "current", Description: "current weather", ReturnToAI: true},
			{Name: "forecast", Description: "forecast", ReturnToAI: true},
		},
	}
}

func TestLoadSkillQualifiesToolNames(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register(weatherSkill())

	ss, err := r.LoadSkill("group:100", "weather")
	if err != nil {
		t.Fatalf("LoadSkill: %v", err)
	}
	if _, ok := ss.Tools["weather.current"]; !ok {
		t.Errorf("tools = %v, want weather.current", ss.Tools)
	}

	tools := r.SessionTools("group:100")
	if len(tools) != 2 {
		t.Fatalf("SessionTools = %d, want 2", len(tools))
	}
	if _, ok := tools["weather.forecast"]; !ok {
		t.Error("weather.forecast missing")
	}

	if _, err := r.LoadSkill("group:100", "nope"); err == nil {
		t.Error("unknown skill loaded without error")
	}
}

func TestSessionToolsExpireAfterTTL(t *testing.T) {
	r, now := testRegistry(t)
	r.Register(weatherSkill())
	r.LoadSkill("group:100", "weather")

	// Just inside the TTL.
	*now = now.Add(SkillTTL - time.Second)
	if got := r.SessionTools("group:100"); len(got) != 2 {
		t.Errorf("tools inside TTL = %d, want 2", len(got))
	}

	// Past the TTL the lazy drop removes them.
	*now = now.Add(2 * time.Second)
	if got := r.SessionTools("group:100"); len(got) != 0 {
		t.Errorf("tools past TTL = %d, want 0", len(got))
	}
	if names := r.LoadedSkills("group:100"); len(names) != 0 {
		t.Errorf("LoadedSkills past TTL = %v", names)
	}
}

func TestSweepPurgesExpiredSessions(t *testing.T) {
	r, now := testRegistry(t)
	r.Register(weatherSkill())
	r.LoadSkill("group:100", "weather")
	r.LoadSkill("group:200", "weather")

	*now = now.Add(SkillTTL + time.Minute)
	r.Sweep()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) != 0 {
		t.Errorf("sessions after sweep = %d, want 0", len(r.sessions))
	}
}

func TestUnloadSkill(t *testing.T) {
	r, _ := testRegistry(t)
	r.Register(weatherSkill())
	r.LoadSkill("group:100", "weather")

	if !r.UnloadSkill("group:100", "weather") {
		t.Error("UnloadSkill = false for loaded skill")
	}
	if r.UnloadSkill("group:100", "weather") {
		t.Error("UnloadSkill = true for already-unloaded skill")
	}
	if got := r.SessionTools("group:100"); len(got) != 0 {
		t.Errorf("tools after unload = %d", len(got))
	}
}

func TestReloadRefreshesTTL(t *testing.T) {
	r, now := testRegistry(t)
	r.Register(weatherSkill())
	r.LoadSkill("group:100", "weather")

	*now = now.Add(50 * time.Minute)
	r.LoadSkill("group:100", "weather")

	*now = now.Add(30 * time.Minute) // 80m after first load, 30m after reload
	if got := r.SessionTools("group:100"); len(got) != 2 {
		t.Errorf("tools after reload = %d, want 2", len(got))
	}
}

func TestToolDefinitionShape(t *testing.T) {
	tool := &Tool{Name: "current", Description: "d"}
	def := tool.Definition()
	if def["type"] != "function" {
		t.Errorf("type = %v", def["type"])
	}
	fn, ok := def["function"].(map[string]any)
	if !ok || fn["name"] != "current" {
		t.Errorf("function = %v", def["function"])
	}
	if fn["parameters"] == nil {
		t.Error("nil parameters not defaulted to empty schema")
	}
}
