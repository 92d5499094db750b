package httpapi

import "net/http"

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Sync Engine Status</title>
  <style>
    body {
      margin: 0;
      font-family: "Segoe UI", "Avenir Next", sans-serif;
      color: #102223;
      background: #f8f4ea;
      padding: 24px;
    }
    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: #fffdf9;
      border: 1px solid #d7cbb3;
      border-radius: 12px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    table { width: 100%; border-collapse: collapse; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #d7cbb3; font-size: 0.9rem; }
    .pill {
      display: inline-block; padding: 2px 10px; border-radius: 999px;
      font-size: 0.8rem; background: #1f9d88; color: #fff;
    }
    .pill.offline { background: #c2483f; }
    .muted { color: #6f7d7d; font-size: 0.85rem; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>Sync Engine</h1>
      <p class="muted">Connectivity <span id="online" class="pill">...</span>
        &middot; pending <strong id="pending">-</strong>
        &middot; needs resolution <strong id="flagged">-</strong></p>
    </div>
    <div class="card">
      <table>
        <thead><tr><th>Tier</th><th>Version</th><th>Entries</th><th>Bytes</th></tr></thead>
        <tbody id="tiers"></tbody>
      </table>
    </div>
  </div>
  <script>
    async function refresh() {
      const res = await fetch('/v1/sync/status');
      if (!res.ok) return;
      const status = await res.json();
      const online = document.getElementById('online');
      online.textContent = status.online ? 'online' : 'offline';
      online.className = status.online ? 'pill' : 'pill offline';
      document.getElementById('pending').textContent = status.pending;
      document.getElementById('flagged').textContent = status.flagged;
      const rows = Object.entries(status.tiers).map(([tier, info]) =>
        '<tr><td>' + tier + '</td><td>v' + info.version + '</td><td>' +
        info.entries + '</td><td>' + info.totalBytes + '</td></tr>');
      document.getElementById('tiers').innerHTML = rows.join('');
    }
    refresh();
    setInterval(refresh, 5000);
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(dashboardHTML))
}
