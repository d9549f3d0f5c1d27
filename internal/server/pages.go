package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// statusPageHandler serves a small operator page that probes the public
// endpoints from the browser. Anything behind the control key shows its
// refusal, which is itself a useful check.
func statusPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, statusPageHTML)
}

const statusPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>AEX Gateway</title>
    <style>
        body { font-family: monospace; background: #111; color: #0f0; padding: 20px; }
        pre { background: #222; padding: 10px; overflow: auto; }
        .error { color: #f00; }
        .success { color: #0f0; }
        h2 { color: #0ff; margin-top: 20px; }
        p, li { color: #9f9; }
        a { color: #0ff; }
    </style>
</head>
<body>
    <h1>AEX Gateway</h1>
    <p>Governance gateway between AI agents and LLM providers.</p>
    <ul>
        <li>Execution surface: <code>/v1</code> (OpenAI-compatible, bearer token per agent)</li>
        <li>Admin surface: <code>/admin</code> (x-aex-admin-key)</li>
        <li>Live activity feed: <code>/admin/activity/ws</code></li>
        <li><a href="/metrics">/metrics</a></li>
    </ul>

    <h2>1. Health (/health)</h2>
    <pre id="health">Loading...</pre>

    <h2>2. Readiness (/health/ready)</h2>
    <pre id="ready">Loading...</pre>

    <h2>3. Service info (/api)</h2>
    <pre id="info">Loading...</pre>

    <h2>4. Model catalog (/v1/models - expect 401 without a token)</h2>
    <pre id="models">Loading...</pre>

    <script>
        async function probe(endpoint, elementId) {
            const el = document.getElementById(elementId);
            try {
                const res = await fetch(endpoint);
                const data = await res.json();
                el.className = res.ok ? 'success' : 'error';
                el.textContent = res.status + '\n' + JSON.stringify(data, null, 2);
            } catch (e) {
                el.className = 'error';
                el.textContent = 'ERROR: ' + e.message;
            }
        }

        probe('/health', 'health');
        probe('/health/ready', 'ready');
        probe('/api', 'info');
        probe('/v1/models', 'models');
    </script>
</body>
</html>`
