package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/muxworks/muxd/internal/config"
)

// maxToolNameLen is the provider-side limit for tool names.
const maxToolNameLen = 64

var toolNameSafe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NamespacedToolName builds `<server>_<tool>` normalized to the provider
// name charset. Overlong names truncate with a deterministic hash suffix
// so the result stays stable across restarts.
func NamespacedToolName(server, tool string) string {
	name := toolNameSafe.ReplaceAllString(server+"_"+tool, "_")
	if len(name) <= maxToolNameLen {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := "_" + hex.EncodeToString(sum[:4])
	return name[:maxToolNameLen-len(suffix)] + suffix
}

// DisambiguatedToolName resolves a namespaced-name collision: the hash
// of the raw server/tool pair is appended so distinct tools that
// normalize to the same name stay distinct, stable across restarts.
func DisambiguatedToolName(server, tool string) string {
	base := toolNameSafe.ReplaceAllString(server+"_"+tool, "_")
	sum := sha256.Sum256([]byte(server + "\x00" + tool))
	suffix := "_" + hex.EncodeToString(sum[:4])
	if len(base)+len(suffix) > maxToolNameLen {
		base = base[:maxToolNameLen-len(suffix)]
	}
	return base + suffix
}

// signatureEntry is one server's identity inside a pool signature.
// Header values are redacted to a digest: the signature must change when
// a secret rotates without ever storing the secret.
type signatureEntry struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// PoolSignature is a stable digest of the resolved server set for one
// workspace. Matching signatures mean the cached pool is reusable.
func PoolSignature(servers map[string]*config.MCPServerConfig) string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]signatureEntry, 0, len(names))
	for _, name := range names {
		sc := servers[name]
		e := signatureEntry{
			Name:      name,
			Transport: string(sc.Transport),
			Command:   sc.Command,
			Args:      sc.Args,
			URL:       sc.URL,
		}
		if len(sc.Headers) > 0 {
			e.Headers = make(map[string]string, len(sc.Headers))
			for k, v := range sc.Headers {
				e.Headers[k] = redact(v)
			}
		}
		entries = append(entries, e)
	}

	data, _ := json.Marshal(entries)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func redact(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "sha256:" + hex.EncodeToString(sum[:8])
}

// ResolveEnabledServers applies workspace overrides to the project server
// set: explicit enabled beats project Disabled, explicit disabled beats
// project enabled.
func ResolveEnabledServers(all map[string]*config.MCPServerConfig, ov *config.MCPOverride) map[string]*config.MCPServerConfig {
	enabled := map[string]bool{}
	disabled := map[string]bool{}
	if ov != nil {
		for _, n := range ov.Enabled {
			enabled[strings.ToLower(n)] = true
		}
		for _, n := range ov.Disabled {
			disabled[strings.ToLower(n)] = true
		}
	}

	out := make(map[string]*config.MCPServerConfig)
	for name, sc := range all {
		key := strings.ToLower(name)
		switch {
		case disabled[key]:
		case enabled[key]:
			out[name] = sc
		case sc.Disabled:
		default:
			out[name] = sc
		}
	}
	return out
}
