package streaminghttp

import (
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"

	"github.com/ggoodman/mcp-gateway-go/mcp"
)

// maxSummaryText caps each text block and the encoded structured content
// carried by a completion frame. The full result goes out on the HTTP reply.
const maxSummaryText = 4096

// resultSummary is the bounded view of a tool result sent in the result
// llm_event. Frames are buffered for replay, so binary payloads never ride
// along.
type resultSummary struct {
	IsError           bool            `json:"isError"`
	Content           []summaryBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	Truncated         bool            `json:"truncated,omitempty"`
}

type summaryBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	URI       string `json:"uri,omitempty"`
	Name      string `json:"name,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

func summarizeResult(res *mcp.CallToolResult) *resultSummary {
	if res == nil {
		return nil
	}
	sum := &resultSummary{IsError: res.IsError, Content: make([]summaryBlock, 0, len(res.Content))}
	for _, c := range res.Content {
		b := summaryBlock{Type: c.Type, URI: c.URI, Name: c.Name, MimeType: c.MimeType}
		switch {
		case c.Data != "":
			b.Bytes = base64.StdEncoding.DecodedLen(len(c.Data))
			if n, err := base64.StdEncoding.DecodeString(c.Data); err == nil {
				b.Bytes = len(n)
			}
		case c.Text != "":
			b.Text, b.Truncated = truncateText(c.Text, maxSummaryText)
		}
		sum.Truncated = sum.Truncated || b.Truncated
		sum.Content = append(sum.Content, b)
	}
	if res.StructuredContent != nil {
		raw, err := json.Marshal(res.StructuredContent)
		if err == nil && len(raw) <= maxSummaryText {
			sum.StructuredContent = raw
		} else {
			sum.Truncated = true
		}
	}
	return sum
}

// truncateText cuts s to at most n bytes on a rune boundary.
func truncateText(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n], true
}
