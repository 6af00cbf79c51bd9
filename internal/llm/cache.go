package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
)

// ResponseCache stores validated raw LLM responses on disk, keyed by a hash
// of the provider fingerprint and the full request. Re-running a stage with
// identical inputs and the same model replays the stored response instead of
// calling the API again. Opt-in via config.
type ResponseCache struct {
	dir string
}

// NewResponseCache creates a cache rooted at dir, creating it if needed.
func NewResponseCache(dir string) (*ResponseCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ResponseCache{dir: dir}, nil
}

// key derives the cache file name from everything that affects the response.
func (rc *ResponseCache) key(fingerprint string, req AnalyseRequest) string {
	h := sha256.New()
	for _, part := range []string{fingerprint, req.Stage, req.SchemaName, req.SystemPrompt, req.UserPrompt} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)) + ".json"
}

// Get returns the cached raw response for req, if present.
func (rc *ResponseCache) Get(fingerprint string, req AnalyseRequest) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(rc.dir, rc.key(fingerprint, req)))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores a validated raw response. Failures are logged, not fatal — the
// cache is an optimisation.
func (rc *ResponseCache) Put(fingerprint string, req AnalyseRequest, raw []byte) {
	path := filepath.Join(rc.dir, rc.key(fingerprint, req))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		slog.Warn("failed to write llm response cache entry", "path", path, "error", err)
	}
}
