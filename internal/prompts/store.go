// Package prompts is the role store: it maps canonical role ids to static
// role-definition prompt files and resolves user-facing aliases.
package prompts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// ErrUndecodable is returned when a prompt or credential file is neither
// valid UTF-8 nor valid GBK. This is fatal for the load: there is no
// sensible sentinel for broken config assets.
var ErrUndecodable = errors.New("unrecognized file encoding")

type Role struct {
	Canonical  string
	PromptFile string
}

type Store struct {
	dir     string
	roles   map[string]Role   // canonical -> role
	aliases map[string]string // lowercase alias -> canonical
}

// DefaultRoles is the built-in role registry. Config may override or extend
// it; it is never consulted as an inline string set at call sites.
func DefaultRoles() []Role {
	return []Role{
		{Canonical: "砂狼白子", PromptFile: "Shiroko.txt"},
		{Canonical: "阿洛娜", PromptFile: "Arona.txt"},
		{Canonical: "洛天依", PromptFile: "LuoTianyi.txt"},
	}
}

// DefaultAliases maps short names onto canonical role ids.
func DefaultAliases() map[string]string {
	return map[string]string{
		"白子":         "砂狼白子",
		"shiroko":    "砂狼白子",
		"阿罗娜":        "阿洛娜",
		"彩奈":         "阿洛娜",
		"arona":      "阿洛娜",
		"天依":         "洛天依",
		"luo tianyi": "洛天依",
		"luotianyi":  "洛天依",
	}
}

func NewStore(dir string, roles []Role, aliases map[string]string) *Store {
	if len(roles) == 0 {
		roles = DefaultRoles()
	}
	if aliases == nil {
		aliases = DefaultAliases()
	}
	s := &Store{
		dir:     dir,
		roles:   make(map[string]Role, len(roles)),
		aliases: make(map[string]string, len(aliases)),
	}
	for _, r := range roles {
		s.roles[r.Canonical] = r
	}
	for alias, canonical := range aliases {
		s.aliases[strings.ToLower(strings.TrimSpace(alias))] = canonical
	}
	return s
}

// Resolve normalizes a role name or alias to its canonical id.
func (s *Store) Resolve(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if _, ok := s.roles[name]; ok {
		return name, true
	}
	if canonical, ok := s.aliases[strings.ToLower(name)]; ok {
		if _, known := s.roles[canonical]; known {
			return canonical, true
		}
	}
	return "", false
}

// RolePrompt resolves the role and loads its system-prompt text.
func (s *Store) RolePrompt(name string) (canonical, text string, err error) {
	canonical, ok := s.Resolve(name)
	if !ok {
		return "", "", fmt.Errorf("unknown role: %s", name)
	}
	text, err = LoadText(filepath.Join(s.dir, s.roles[canonical].PromptFile))
	if err != nil {
		return "", "", fmt.Errorf("load role prompt %s: %w", canonical, err)
	}
	return canonical, text, nil
}

// EmojiPrompt loads the emoji classifier prompt template and substitutes the
// [...] placeholder with the live allowed tag set, so the tag list can change
// without touching the prompt file.
func (s *Store) EmojiPrompt(tags []string) (string, error) {
	text, err := LoadText(filepath.Join(s.dir, "tools", "EmojiDecider.txt"))
	if err != nil {
		return "", fmt.Errorf("load emoji prompt: %w", err)
	}
	return strings.ReplaceAll(text, "[...]", "["+strings.Join(tags, ", ")+"]"), nil
}

// LoadText reads a text asset as UTF-8, falling back to GBK when the bytes
// are not valid UTF-8. Files that are neither fail with ErrUndecodable.
func LoadText(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	// The GBK decoder substitutes U+FFFD for undecodable bytes instead of
	// failing, so treat any replacement rune as a decode failure.
	decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw)
	if err != nil || strings.ContainsRune(string(decoded), utf8.RuneError) {
		return "", fmt.Errorf("%w: %s", ErrUndecodable, path)
	}
	return string(decoded), nil
}
