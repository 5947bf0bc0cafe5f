package proxy

import (
	"bytes"
	"encoding/json"
	"hash/fnv"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// AgentHeader lets a cooperating client name its agent identity directly.
const AgentHeader = "X-Sentinel-Agent"

// apiRequest is the slice of the upstream request body the proxy inspects.
type apiRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	System   content   `json:"system"`
	Metadata *struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

type message struct {
	Role    string  `json:"role"`
	Content content `json:"content"`
}

// content is either a bare string or a list of typed blocks.
type content struct {
	text   string
	blocks []contentBlock
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &c.text)
	}
	return json.Unmarshal(trimmed, &c.blocks)
}

// Text concatenates the visible text of the content, blocks joined by
// newlines.
func (c content) Text() string {
	if c.text != "" {
		return c.text
	}
	var parts []string
	for _, b := range c.blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// lastUserText returns the concatenated text of the most recent
// user-authored message, or "".
func (r *apiRequest) lastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content.Text()
		}
	}
	return ""
}

// workingDirectory scans system and message text for the client's
// "Working directory:" announcement.
func (r *apiRequest) workingDirectory() string {
	if dir := scanWorkingDirectory(r.System.Text()); dir != "" {
		return dir
	}
	for _, m := range r.Messages {
		if dir := scanWorkingDirectory(m.Content.Text()); dir != "" {
			return dir
		}
	}
	return ""
}

const workingDirMarker = "Working directory:"

func scanWorkingDirectory(text string) string {
	start := strings.Index(text, workingDirMarker)
	if start < 0 {
		return ""
	}
	rest := text[start+len(workingDirMarker):]
	if end := strings.IndexByte(rest, '\n'); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// identity derives the agent identity key: explicit header first, then the
// request body's metadata.user_id (session portion when present), then a
// stable hash of the client address and selected headers.
func identity(r *http.Request, req *apiRequest) string {
	if v := r.Header.Get(AgentHeader); v != "" {
		return v
	}

	if req != nil && req.Metadata != nil && req.Metadata.UserID != "" {
		uid := req.Metadata.UserID
		if idx := strings.LastIndex(uid, "_session_"); idx >= 0 {
			if session := uid[idx+len("_session_"):]; session != "" {
				return session
			}
		}
		return uid
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	h := fnv.New64a()
	h.Write([]byte(ip))
	h.Write([]byte(r.Header.Get("User-Agent")))
	if r.Header.Get("x-api-key") != "" {
		h.Write([]byte("k"))
	}
	return "ip-" + strconv.FormatUint(h.Sum64(), 16)
}
