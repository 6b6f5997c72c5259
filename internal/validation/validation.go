// Package validation enforces the input limits of the public API surfaces.
// All three transports (HTTP, gRPC, MCP) funnel through these checks so the
// limits cannot drift between surfaces.
package validation

import (
	"regexp"
	"strings"

	"github.com/ricelabs/rice/internal/errors"
)

// Input limits shared by all API surfaces.
const (
	MaxQueryLen    = 10000
	MaxPathLen     = 1024
	MaxStoreName   = 64
	MaxTopK        = 1000
	MaxContentSize = 10 << 20 // 10 MiB
)

var storeNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Windows device names are rejected in any path segment regardless of
// extension; "con.txt" still maps to the console device.
var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {},
}

// Query checks a search query string.
func Query(q string) error {
	if strings.TrimSpace(q) == "" {
		return errors.Validation("query must not be empty")
	}
	if len(q) > MaxQueryLen {
		return errors.Validation("query exceeds %d characters", MaxQueryLen)
	}
	return nil
}

// StoreName checks a store name against ^[A-Za-z0-9][A-Za-z0-9_-]* with
// length 1-64.
func StoreName(name string) error {
	if name == "" {
		return errors.Validation("store name must not be empty")
	}
	if len(name) > MaxStoreName {
		return errors.Validation("store name exceeds %d characters", MaxStoreName)
	}
	if !storeNameRe.MatchString(name) {
		return errors.Validation("store name %q is invalid: must match [A-Za-z0-9][A-Za-z0-9_-]*", name)
	}
	return nil
}

// Path checks a document path: relative, 1-1024 bytes, no traversal, no
// null bytes, no Windows drive or reserved device names.
func Path(p string) error {
	if p == "" {
		return errors.Validation("path must not be empty")
	}
	if len(p) > MaxPathLen {
		return errors.Validation("path exceeds %d bytes", MaxPathLen)
	}
	if strings.ContainsRune(p, 0) {
		return errors.Validation("path contains a null byte")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return errors.Validation("path %q must be relative", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return errors.Validation("path %q must not contain a drive letter", p)
	}
	// Normalize separators before the segment checks.
	norm := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(norm, "/") {
		if seg == ".." {
			return errors.Validation("path %q contains a traversal segment", p)
		}
		base := strings.ToLower(seg)
		if i := strings.IndexByte(base, '.'); i >= 0 {
			base = base[:i]
		}
		if _, ok := reservedNames[base]; ok {
			return errors.Validation("path %q contains a reserved name", p)
		}
	}
	return nil
}

// TopK checks a result-count parameter. Zero means "use the default" and
// passes.
func TopK(k int) error {
	if k < 0 {
		return errors.Validation("top_k must not be negative")
	}
	if k > MaxTopK {
		return errors.Validation("top_k exceeds %d", MaxTopK)
	}
	return nil
}

// Weight checks a fusion weight in [0, 1].
func Weight(name string, w float64) error {
	if w < 0.0 || w > 1.0 {
		return errors.Validation("%s must be between 0.0 and 1.0", name)
	}
	return nil
}

// Content checks a document body against the size cap.
func Content(body string) error {
	if len(body) > MaxContentSize {
		return errors.New(errors.KindCapacity, "content exceeds %d bytes", MaxContentSize)
	}
	return nil
}
