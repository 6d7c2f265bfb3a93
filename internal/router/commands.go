package router

import (
	"fmt"
	"strings"
	"unicode"
)

// In-band control commands. Each family has natural-language aliases;
// matching is case-insensitive, prefix or exact token. Family order is
// fixed and first match wins, since alias sets could in principle
// overlap.
var (
	resetAliases = []string{"/new", "/reset", "新会话", "新对话", "重新开始"}
	cwdAliases   = []string{"/cd", "切换目录"}
	pwdAliases   = []string{"/pwd", "当前目录"}
	statusAlias  = []string{"/status", "状态"}
	modelAliases = []string{"/model", "切换模型"}
	modeAliases  = []string{"/mode", "权限模式"}
)

// validPermissionModes is the full enumeration the backend accepts.
var validPermissionModes = []string{"default", "plan", "auto-edit", "yolo"}

// IsReset reports whether text contains any reset alias. Substring
// match on purpose: "please /reset everything" still counts. Handled in
// the router rather than the dispatcher because reset needs registry
// and history access, not just a response string.
func IsReset(text string) bool {
	lower := strings.ToLower(text)
	for _, alias := range resetAliases {
		if strings.Contains(lower, alias) {
			return true
		}
	}
	return false
}

// Dispatcher recognizes control commands and short-circuits normal
// prompt forwarding.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// TryHandle checks text against the command families in fixed order.
// handled=false means the text is a normal prompt for the agent.
func (d *Dispatcher) TryHandle(text, sessionKey string) (handled bool, response string) {
	if ok, arg := matchCommand(text, cwdAliases); ok {
		return true, d.handleCwd(sessionKey, arg)
	}
	if ok, arg := matchCommand(text, pwdAliases); ok && arg == "" {
		cwd, _ := d.registry.Cwd(sessionKey)
		return true, fmt.Sprintf("📁 Current working directory: %s", cwd)
	}
	if ok, arg := matchCommand(text, statusAlias); ok && arg == "" {
		return true, d.handleStatus(sessionKey)
	}
	if ok, arg := matchCommand(text, modelAliases); ok {
		return true, d.handleModel(sessionKey, arg)
	}
	if ok, arg := matchCommand(text, modeAliases); ok {
		return true, d.handleMode(sessionKey, arg)
	}
	return false, ""
}

func (d *Dispatcher) handleCwd(sessionKey, arg string) string {
	if arg == "" {
		cwd, _ := d.registry.Cwd(sessionKey)
		return fmt.Sprintf("📁 Current working directory: %s\n\nUsage: /cd <path>", cwd)
	}
	if err := d.registry.SetCwd(sessionKey, arg); err != nil {
		return fmt.Sprintf("❌ Failed to change working directory: %v", err)
	}
	return fmt.Sprintf("✅ Working directory changed to: %s", arg)
}

func (d *Dispatcher) handleStatus(sessionKey string) string {
	cwd, _ := d.registry.Cwd(sessionKey)
	model, _ := d.registry.Model(sessionKey)
	mode, _ := d.registry.PermissionMode(sessionKey)
	if model == "" {
		model = "(CLI default)"
	}
	return fmt.Sprintf("🤖 Session status\n- Working directory: %s\n- Model: %s\n- Permission mode: %s", cwd, model, mode)
}

func (d *Dispatcher) handleModel(sessionKey, arg string) string {
	if arg == "" {
		model, _ := d.registry.Model(sessionKey)
		if model == "" {
			model = "(CLI default)"
		}
		return fmt.Sprintf("🧠 Current model: %s\n\nUsage: /model <name>", model)
	}
	if err := d.registry.SetModel(sessionKey, arg); err != nil {
		return fmt.Sprintf("❌ Failed to change model: %v", err)
	}
	return fmt.Sprintf("✅ Model changed to: %s", arg)
}

func (d *Dispatcher) handleMode(sessionKey, arg string) string {
	if arg == "" {
		mode, _ := d.registry.PermissionMode(sessionKey)
		return fmt.Sprintf("🔐 Current permission mode: %s\nValid modes: %s\n\nUsage: /mode <mode>",
			mode, strings.Join(validPermissionModes, ", "))
	}

	// Invalid modes never reach the backend.
	normalized := strings.ToLower(arg)
	valid := false
	for _, m := range validPermissionModes {
		if normalized == m {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Sprintf("❌ Invalid permission mode: %q. Valid modes: %s",
			arg, strings.Join(validPermissionModes, ", "))
	}

	if err := d.registry.SetPermissionMode(sessionKey, normalized); err != nil {
		return fmt.Sprintf("❌ Failed to change permission mode: %v", err)
	}
	return fmt.Sprintf("✅ Permission mode changed to: %s", normalized)
}

// matchCommand matches text against an alias list: exact token, or
// alias followed by whitespace and an argument. "/cdx" must not match
// "/cd". The argument keeps its original case (paths and model names
// are case-sensitive).
func matchCommand(text string, aliases []string) (ok bool, arg string) {
	t := strings.TrimSpace(text)
	for _, alias := range aliases {
		if len(t) < len(alias) || !strings.EqualFold(t[:len(alias)], alias) {
			continue
		}
		rest := t[len(alias):]
		if rest == "" {
			return true, ""
		}
		if r := []rune(rest)[0]; unicode.IsSpace(r) {
			return true, strings.TrimSpace(rest)
		}
	}
	return false, ""
}
