// Package control implements the CONTROL-block grammar embedded in
// orchestrator replies: fenced ```control blocks holding a JSON object,
// plus a single-line JSON fallback for spawn/send/close.
package control

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Block is one decoded control object, keyed by directive
// (spawn, send, close, exec, status, fetch).
type Block map[string]json.RawMessage

// Directive returns the block's primary key, preferring the well-known
// directives in a stable order so mixed blocks summarize deterministically.
func (b Block) Directive() string {
	for _, key := range []string{"spawn", "send", "close", "exec", "status", "fetch"} {
		if _, ok := b[key]; ok {
			return key
		}
	}
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "control"
	}
	sort.Strings(keys)
	return keys[0]
}

// fenceRE matches a ```control fenced code block, case-insensitively, with
// an optional "json " prefix before the fence tag.
var fenceRE = regexp.MustCompile("(?is)```(?:json\\s+)?control\\s*\n(.*?)\n```")

var blankRunsRE = regexp.MustCompile(`\n{2,}`)

// fallbackKeys are the directives accepted from bare single-line JSON.
var fallbackKeys = []string{"spawn", "send", "close"}

// Extract returns every control block in text, in source order. Fenced
// blocks come first, then single-line JSON fallbacks carrying at least one
// of spawn/send/close. Duplicates (by canonical-key JSON) are suppressed.
func Extract(text string) []Block {
	if text == "" {
		return nil
	}

	var blocks []Block
	seen := make(map[string]struct{})

	for _, match := range fenceRE.FindAllStringSubmatch(text, -1) {
		block, ok := decodeObject(strings.TrimSpace(match[1]))
		if !ok {
			continue
		}
		seen[canonical(block)] = struct{}{}
		blocks = append(blocks, block)
	}

	for _, line := range strings.Split(text, "\n") {
		candidate := strings.TrimSpace(line)
		if !strings.HasPrefix(candidate, "{") || !strings.HasSuffix(candidate, "}") {
			continue
		}
		block, ok := decodeObject(candidate)
		if !ok || !hasFallbackKey(block) {
			continue
		}
		sig := canonical(block)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		blocks = append(blocks, block)
	}

	return blocks
}

// Strip removes all fenced control blocks from text, collapses runs of
// blank lines, and trims the result.
func Strip(text string) string {
	if text == "" {
		return ""
	}
	cleaned := fenceRE.ReplaceAllString(text, "")
	cleaned = blankRunsRE.ReplaceAllString(cleaned, "\n")
	return strings.TrimSpace(cleaned)
}

func decodeObject(candidate string) (Block, bool) {
	var block Block
	if err := json.Unmarshal([]byte(candidate), &block); err != nil {
		return nil, false
	}
	return block, true
}

func hasFallbackKey(b Block) bool {
	for _, key := range fallbackKeys {
		if _, ok := b[key]; ok {
			return true
		}
	}
	return false
}

// canonical renders a block with sorted keys for duplicate detection.
func canonical(b Block) string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		sb.Write(name)
		sb.WriteByte(':')
		sb.Write(compact(b[k]))
	}
	sb.WriteByte('}')
	return sb.String()
}

func compact(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
