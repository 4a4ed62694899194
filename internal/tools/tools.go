// Package tools declares the fixed tool catalog the chat engine offers
// the model. Handlers are closures over a per-request ToolContext.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jerryplusy/mioku/internal/config"
	"github.com/jerryplusy/mioku/internal/gateway"
	"github.com/jerryplusy/mioku/internal/skills"
	"github.com/jerryplusy/mioku/internal/store"
)

// Engine-level tool names. These appear in the catalog for visibility
// but the engine intercepts them before handler dispatch: their effect
// is on the outbound message aggregate, not on the gateway.
const (
	ToolAtUser     = "at_user"
	ToolQuoteReply = "quote_reply"
	ToolEndSession = "end_session"
)

// autoMuteDuration is the fixed auto_mute penalty.
const autoMuteDuration = 60 * time.Second

// memberListLimit caps how many members get_group_member_list returns.
const memberListLimit = 50

// ToolContext binds one request's scope for handler closures.
type ToolContext struct {
	Gateway gateway.Client
	Event   *gateway.MessageEvent
	Config  *config.Config
	Store   *store.Store
	Skills  *skills.Registry
	Logger  *slog.Logger

	SessionID string
	GroupID   int64 // 0 in private chats
	UserID    int64 // the triggering sender
	BotRole   string
}

// botIsAdmin reports whether the bot can use group admin actions.
func (tc *ToolContext) botIsAdmin() bool {
	return tc.BotRole == "admin" || tc.BotRole == "owner"
}

// CanMute reports whether the abuse-handling prompt may offer muting.
func (tc *ToolContext) CanMute() bool {
	return tc.GroupID != 0 && tc.Config.EnableGroupAdmin && tc.botIsAdmin()
}

// Catalog builds the fixed tool set visible for this request, applying
// the visibility rules: admin tools require a group, the group-admin
// config flag, and an admin/owner bot role; meta tools require the
// external-skills flag.
func Catalog(tc *ToolContext) []*skills.Tool {
	out := []*skills.Tool{
		atUserTool(),
		quoteReplyTool(),
		endSessionTool(),
		reportAbuseTool(tc),
	}

	if tc.GroupID != 0 {
		out = append(out,
			pokeUserTool(tc),
			memberInfoTool(tc),
			memberListTool(tc),
		)
	}

	if tc.GroupID != 0 && tc.Config.EnableGroupAdmin && tc.botIsAdmin() {
		out = append(out,
			autoMuteTool(tc),
			muteMemberTool(tc),
			kickMemberTool(tc),
			setMemberCardTool(tc),
			toggleMuteAllTool(tc),
		)
		if tc.BotRole == "owner" {
			out = append(out, setMemberTitleTool(tc))
		}
	}

	if tc.Config.EnableExternalSkills {
		out = append(out, loadSkillTool(tc), unloadSkillTool(tc))
	}

	return out
}

// --- argument helpers ---

func argInt64(args map[string]any, key string) (int64, error) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), nil
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return 0, fmt.Errorf("argument %s: not a number", key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("argument %s: missing", key)
	}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func userIDParam(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{"type": "integer", "description": desc},
		},
		"required": []string{"user_id"},
	}
}

// --- engine-level tools (no handlers) ---

func atUserTool() *skills.Tool {
	return &skills.Tool{
		Name:        ToolAtUser,
		Description: "Attach an @-mention of a group member to your next reply.",
		Parameters:  userIDParam("member to mention"),
	}
}

func quoteReplyTool() *skills.Tool {
	return &skills.Tool{
		Name:        ToolQuoteReply,
		Description: "Quote a previous message in your reply.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message_id": map[string]any{"type": "integer", "description": "id of the message to quote"},
			},
			"required": []string{"message_id"},
		},
	}
}

func endSessionTool() *skills.Tool {
	return &skills.Tool{
		Name:        ToolEndSession,
		Description: "Say nothing this turn. Use when the conversation needs no reply from you.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{"type": "string"},
			},
		},
	}
}

// --- defense tools ---

func reportAbuseTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "report_abuse",
		Description: "Report a user's abusive behavior to the bot owners via direct message.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": map[string]any{"type": "integer"},
				"reason":  map[string]any{"type": "string"},
			},
			"required": []string{"user_id", "reason"},
		},
		ReturnToAI: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			userID, err := argInt64(args, "user_id")
			if err != nil {
				return "", err
			}
			reason := argString(args, "reason")

			report := fmt.Sprintf("Abuse report from %s: user %d — %s",
				tc.SessionID, userID, reason)
			delivered := 0
			for _, owner := range tc.Config.BotOwners {
				if _, err := tc.Gateway.SendPrivateMsg(ctx, owner, []gateway.Segment{gateway.Text(report)}); err != nil {
					tc.Logger.Warn("abuse report delivery failed", "owner", owner, "error", err)
					continue
				}
				delivered++
			}
			if delivered == 0 {
				return "", fmt.Errorf("no bot owner reachable")
			}
			return fmt.Sprintf("reported to %d owner(s)", delivered), nil
		},
	}
}

func autoMuteTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "auto_mute",
		Description: "Mute a persistently abusive member for 60 seconds.",
		Parameters:  userIDParam("member to mute"),
		ReturnToAI:  true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			userID, err := argInt64(args, "user_id")
			if err != nil {
				return "", err
			}
			if err := tc.Gateway.SetGroupBan(ctx, tc.GroupID, userID, autoMuteDuration); err != nil {
				return "", fmt.Errorf("mute failed: %w", err)
			}
			return fmt.Sprintf("muted %d for 60s", userID), nil
		},
	}
}

// --- admin tools ---

func muteMemberTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "mute_member",
		Description: "Mute a group member for a duration in seconds. 0 unmutes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id":    map[string]any{"type": "integer"},
				"duration_s": map[string]any{"type": "integer"},
			},
			"required": []string{"user_id", "duration_s"},
		},
		ReturnToAI: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			userID, err := argInt64(args, "user_id")
			if err != nil {
				return "", err
			}
			seconds, err := argInt64(args, "duration_s")
			if err != nil {
				return "", err
			}
			if err := tc.Gateway.SetGroupBan(ctx, tc.GroupID, userID, time.Duration(seconds)*time.Second); err != nil {
				return "", fmt.Errorf("mute failed: %w", err)
			}
			return fmt.Sprintf("muted %d for %ds", userID, seconds), nil
		},
	}
}

func kickMemberTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "kick_member",
		Description: "Remove a member from the group.",
		Parameters:  userIDParam("member to remove"),
		ReturnToAI:  true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			userID, err := argInt64(args, "user_id")
			if err != nil {
				return "", err
			}
			if err := tc.Gateway.SetGroupKick(ctx, tc.GroupID, userID); err != nil {
				return "", fmt.Errorf("kick failed: %w", err)
			}
			return fmt.Sprintf("kicked %d", userID), nil
		},
	}
}

func setMemberCardTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "set_member_card",
		Description: "Change a member's group display name.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": map[string]any{"type": "integer"},
				"card":    map[string]any{"type": "string"},
			},
			"required": []string{"user_id", "card"},
		},
		ReturnToAI: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			userID, err := argInt64(args, "user_id")
			if err != nil {
				return "", err
			}
			card := argString(args, "card")
			if err := tc.Gateway.SetGroupCard(ctx, tc.GroupID, userID, card); err != nil {
				return "", fmt.Errorf("set card failed: %w", err)
			}
			return fmt.Sprintf("card of %d set to %q", userID, card), nil
		},
	}
}

func setMemberTitleTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "set_member_title",
		Description: "Grant a member a special title. Group owner only.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": map[string]any{"type": "integer"},
				"title":   map[string]any{"type": "string"},
			},
			"required": []string{"user_id", "title"},
		},
		ReturnToAI: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			userID, err := argInt64(args, "user_id")
			if err != nil {
				return "", err
			}
			title := argString(args, "title")
			if err := tc.Gateway.SetGroupSpecialTitle(ctx, tc.GroupID, userID, title); err != nil {
				return "", fmt.Errorf("set title failed: %w", err)
			}
			return fmt.Sprintf("title of %d set to %q", userID, title), nil
		},
	}
}

func toggleMuteAllTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "toggle_mute_all",
		Description: "Enable or disable whole-group mute.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"enable": map[string]any{"type": "boolean"},
			},
			"required": []string{"enable"},
		},
		ReturnToAI: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			enable, _ := args["enable"].(bool)
			if err := tc.Gateway.SetGroupWholeBan(ctx, tc.GroupID, enable); err != nil {
				return "", fmt.Errorf("whole ban failed: %w", err)
			}
			if enable {
				return "group muted", nil
			}
			return "group unmuted", nil
		},
	}
}

// --- info tools ---

func pokeUserTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "poke_user",
		Description: "Poke a group member.",
		Parameters:  userIDParam("member to poke"),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			userID, err := argInt64(args, "user_id")
			if err != nil {
				return "", err
			}
			if err := tc.Gateway.GroupPoke(ctx, tc.GroupID, userID); err != nil {
				return "", fmt.Errorf("poke failed: %w", err)
			}
			return "poked", nil
		},
	}
}

func memberInfoTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "get_group_member_info",
		Description: "Look up a group member's name, role, and title.",
		Parameters:  userIDParam("member to look up"),
		ReturnToAI:  true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			userID, err := argInt64(args, "user_id")
			if err != nil {
				return "", err
			}
			info, err := tc.Gateway.GetGroupMemberInfo(ctx, tc.GroupID, userID)
			if err != nil {
				return "", fmt.Errorf("member lookup failed: %w", err)
			}
			out := fmt.Sprintf("%s (id %d, role %s)", info.DisplayName(), info.UserID, info.Role)
			if info.Title != "" {
				out += fmt.Sprintf(", title %q", info.Title)
			}
			return out, nil
		},
	}
}

func memberListTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "get_group_member_list",
		Description: "List the group's members (first 50) and the total count.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		ReturnToAI: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			members, err := tc.Gateway.GetGroupMemberList(ctx, tc.GroupID)
			if err != nil {
				return "", fmt.Errorf("member list failed: %w", err)
			}
			total := len(members)
			if len(members) > memberListLimit {
				members = members[:memberListLimit]
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "%d members total\n", total)
			for _, m := range members {
				fmt.Fprintf(&sb, "- %s (id %d, %s)\n", m.DisplayName(), m.UserID, m.Role)
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}

// --- meta tools ---

func loadSkillTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "load_skill",
		Description: "Load an external skill's tools into this chat for one hour.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"skill_name": map[string]any{"type": "string"},
			},
			"required": []string{"skill_name"},
		},
		ReturnToAI: true,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name := argString(args, "skill_name")
			ss, err := tc.Skills.LoadSkill(tc.SessionID, name)
			if err != nil {
				return "", err
			}
			names := make([]string, 0, len(ss.Tools))
			for fq := range ss.Tools {
				names = append(names, fq)
			}
			return fmt.Sprintf("loaded %s: %s", name, strings.Join(names, ", ")), nil
		},
	}
}

func unloadSkillTool(tc *ToolContext) *skills.Tool {
	return &skills.Tool{
		Name:        "unload_skill",
		Description: "Unload a previously loaded skill from this chat.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"skill_name": map[string]any{"type": "string"},
			},
			"required": []string{"skill_name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name := argString(args, "skill_name")
			if !tc.Skills.UnloadSkill(tc.SessionID, name) {
				return "", fmt.Errorf("skill not loaded: %s", name)
			}
			return "unloaded " + name, nil
		},
	}
}
