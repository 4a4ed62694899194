// Package skills manages the global skill catalog and the per-session
// loaded-skill state the chat engine reads each iteration.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SkillTTL bounds how long a loaded skill's tools stay visible to the
// model.
const SkillTTL = time.Hour

// Tool is a typed callable the LLM can invoke. ReturnToAI controls
// whether its result re-enters the prompt on the next iteration.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON-schema object
	ReturnToAI  bool
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Definition renders the tool in the OpenAI function-calling shape.
func (t *Tool) Definition() map[string]any {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  params,
		},
	}
}

// Skill is a named bundle of tools registered globally; its tools are
// callable only after being loaded into a session.
type Skill struct {
	Name        string
	Description string
	Tools       []*Tool
}

// SkillSession is one loaded skill within one conversation session.
// Tools are keyed by their fully qualified "skill.tool" name.
type SkillSession struct {
	SkillName string
	Tools     map[string]*Tool
	LoadedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session's TTL has lapsed at now.
func (ss *SkillSession) Expired(now time.Time) bool {
	return !now.Before(ss.ExpiresAt)
}

// Registry holds the process-wide skill catalog and per-session loaded
// skills. All methods are safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	skills   map[string]*Skill
	sessions map[string]map[string]*SkillSession // session id → skill name
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		now:      time.Now,
		skills:   make(map[string]*Skill),
		sessions: make(map[string]map[string]*SkillSession),
	}
}

// Register adds a skill to the global catalog. Re-registering a name
// replaces the previous definition.
func (r *Registry) Register(skill *Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[skill.Name] = skill
	r.logger.Info("skill registered", "skill", skill.Name, "tools", len(skill.Tools))
}

// Get returns a registered skill, or nil.
func (r *Registry) Get(name string) *Skill {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skills[name]
}

// List returns all registered skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadSkill copies a skill's tools into the session under fully
// qualified names with a fresh TTL. Reloading refreshes the TTL.
func (r *Registry) LoadSkill(sessionID, skillName string) (*SkillSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	skill, ok := r.skills[skillName]
	if !ok {
		return nil, fmt.Errorf("unknown skill: %s", skillName)
	}

	now := r.now()
	ss := &SkillSession{
		SkillName: skillName,
		Tools:     make(map[string]*Tool, len(skill.Tools)),
		LoadedAt:  now,
		ExpiresAt: now.Add(SkillTTL),
	}
	for _, t := range skill.Tools {
		ss.Tools[skillName+"."+t.Name] = t
	}

	if r.sessions[sessionID] == nil {
		r.sessions[sessionID] = make(map[string]*SkillSession)
	}
	r.sessions[sessionID][skillName] = ss

	r.logger.Info("skill loaded", "session", sessionID, "skill", skillName,
		"expires_at", ss.ExpiresAt)
	return ss, nil
}

// UnloadSkill removes a loaded skill from a session. Returns false if
// it was not loaded.
func (r *Registry) UnloadSkill(sessionID, skillName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := loaded[skillName]; !ok {
		return false
	}
	delete(loaded, skillName)
	if len(loaded) == 0 {
		delete(r.sessions, sessionID)
	}
	r.logger.Info("skill unloaded", "session", sessionID, "skill", skillName)
	return true
}

// SessionTools returns the union of a session's non-expired loaded
// tools keyed by fully qualified name. Expired entries are dropped on
// access.
func (r *Registry) SessionTools(sessionID string) map[string]*Tool {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}

	now := r.now()
	out := make(map[string]*Tool)
	for name, ss := range loaded {
		if ss.Expired(now) {
			delete(loaded, name)
			r.logger.Debug("expired skill dropped", "session", sessionID, "skill", name)
			continue
		}
		for fq, t := range ss.Tools {
			out[fq] = t
		}
	}
	if len(loaded) == 0 {
		delete(r.sessions, sessionID)
	}
	return out
}

// LoadedSkills returns the names of a session's non-expired skills,
// sorted, for prompt rendering.
func (r *Registry) LoadedSkills(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []string
	for name, ss := range r.sessions[sessionID] {
		if !ss.Expired(now) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep purges expired skill sessions and empty session maps. Wired to
// a periodic schedule by the caller.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for sessionID, loaded := range r.sessions {
		for name, ss := range loaded {
			if ss.Expired(now) {
				delete(loaded, name)
				removed++
			}
		}
		if len(loaded) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	if removed > 0 {
		r.logger.Info("skill sweep", "expired", removed)
	}
}
