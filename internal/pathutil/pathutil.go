// Package pathutil validates and normalizes filesystem paths before they
// reach internal/vfs: printable-ASCII enforcement, the configured
// name/path length limits, and collapsing repeated "/" runs. It leaves "."
// and ".." components untouched — internal/directory resolves those
// against a directory's actual entries (a real "." or ".." entry wired up
// by mkdir), not against lexical rules here.
package pathutil

import (
	"fmt"
	"strings"
)

// Normalize validates raw against the printable-ASCII charset and the
// maxPath (whole string)/maxName (each '/'-delimited component) limits,
// then collapses repeated slashes. "." and ".." components are kept as
// literal path components rather than stripped or resolved here, so
// internal/directory's Lookup can resolve them against a directory's real
// "."/".." entries. Normalize always returns a path starting with '/';
// this has no bearing on whether resolution starts at the root or a
// task's CWD (spec.md §4.3 decides that from context, not from a leading
// slash).
func Normalize(raw string, maxPath, maxName uint16) (string, error) {
	if raw == "" {
		return "/", nil
	}
	if strings.Contains(raw, "\\") {
		return "", fmt.Errorf("pathutil: backslash not allowed in %q", raw)
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c == 0 {
			return "", fmt.Errorf("pathutil: NUL not allowed")
		}
		if c < 0x20 || c == 0x7F {
			return "", fmt.Errorf("pathutil: control byte 0x%02x not allowed", c)
		}
		if c >= 0x80 {
			return "", fmt.Errorf("pathutil: non-ASCII byte 0x%02x not allowed", c)
		}
	}
	if uint16(len(raw)) > maxPath {
		return "", fmt.Errorf("pathutil: path length %d exceeds %d", len(raw), maxPath)
	}

	p := raw
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	parts := strings.Split(p, "/")
	kept := make([]string, 0, len(parts))
	for _, seg := range parts {
		if seg == "" {
			continue
		}
		if seg != "." && seg != ".." && uint16(len(seg)) > maxName {
			return "", fmt.Errorf("pathutil: component %q exceeds %d bytes", seg, maxName)
		}
		kept = append(kept, seg)
	}

	normalized := "/" + strings.Join(kept, "/")
	if uint16(len(normalized)) > maxPath {
		return "", fmt.Errorf("pathutil: normalized path length %d exceeds %d", len(normalized), maxPath)
	}
	return normalized, nil
}
