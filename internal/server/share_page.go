package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// sharePageHandler serves the shareable analysis page. The page loads
// the stored result from the JSON API; the share id comes from the URL.
func sharePageHandler(c *gin.Context) {
	id := c.Param("id")
	// Share ids are generated server-side; anything else 404s before
	// reaching the API.
	if !strings.HasPrefix(id, "scan_") {
		c.String(http.StatusNotFound, "not found")
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, sharePageHTML)
}

const sharePageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>MoveSentry Analysis</title>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: -apple-system, 'Segoe UI', sans-serif; background: #0d1117; color: #e6edf3; margin: 0; padding: 24px; }
        .card { max-width: 720px; margin: 0 auto; background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 24px; }
        h1 { font-size: 18px; margin: 0 0 4px; }
        .fn { font-family: monospace; color: #8b949e; word-break: break-all; }
        .badge { display: inline-block; padding: 4px 12px; border-radius: 12px; font-weight: 600; margin: 16px 0; }
        .safe { background: #1a7f37; } .low { background: #2da44e; }
        .medium { background: #9a6700; } .high { background: #bc4c00; } .critical { background: #cf222e; }
        .finding { border-left: 3px solid #30363d; padding: 8px 12px; margin: 12px 0; }
        .finding.high, .finding.critical { border-color: #cf222e; }
        .finding .title { font-weight: 600; }
        .finding .desc { color: #8b949e; font-size: 14px; margin-top: 4px; }
        .meta { color: #8b949e; font-size: 13px; margin-top: 16px; }
        .error { color: #f85149; }
    </style>
</head>
<body>
    <div class="card" id="card">Loading analysis&hellip;</div>
    <script>
        const id = location.pathname.split('/').pop();
        const card = document.getElementById('card');
        fetch('/v1/analyses/' + encodeURIComponent(id))
            .then(res => {
                if (!res.ok) throw new Error(res.status === 404 ? 'Analysis not found' : 'Failed to load analysis');
                return res.json();
            })
            .then(a => {
                const findings = (a.findings || []).map(f =>
                    '<div class="finding ' + f.severity + '">' +
                    '<div class="title">' + esc(f.title) + ' <small>(' + f.severity + ')</small></div>' +
                    '<div class="desc">' + esc(f.description) + '</div></div>'
                ).join('') || '<p>No findings.</p>';
                card.innerHTML =
                    '<h1>Transaction Analysis</h1>' +
                    '<div class="fn">' + esc(a.function) + '</div>' +
                    '<div class="badge ' + a.rating + '">' + a.rating.toUpperCase() + ' &middot; ' + a.score.toFixed(1) + '</div>' +
                    findings +
                    '<div class="meta">' + esc(a.network) + ' &middot; ' + esc(a.shareId) + ' &middot; ' + new Date(a.createdAt).toLocaleString() + '</div>';
            })
            .catch(e => { card.innerHTML = '<p class="error">' + esc(e.message) + '</p>'; });
        function esc(s) {
            return String(s ?? '').replace(/[&<>"']/g, ch => '&#' + ch.charCodeAt(0) + ';');
        }
    </script>
</body>
</html>`
