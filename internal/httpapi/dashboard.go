package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Buggyline Session Dashboard</title>
  <style>
    :root {
      --ink: #14281d;
      --paper: #f6f8f4;
      --card: #ffffff;
      --line: #cfdccb;
      --accent: #2e7d4f;
      --warn: #c77b2a;
      --danger: #b84438;
      --muted: #6c7a6e;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(150deg, #f3f8f0 0%, #eef4f1 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1080px; margin: 0 auto; display: grid; gap: 14px; }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 16px;
    }

    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls { display: grid; gap: 10px; grid-template-columns: 1fr auto; margin-top: 12px; }
    .controls input {
      width: 100%;
      border-radius: 8px;
      border: 1px solid var(--line);
      padding: 9px 11px;
      font-size: 0.92rem;
    }

    button {
      border: 0;
      border-radius: 8px;
      padding: 9px 14px;
      font-family: inherit;
      font-weight: 600;
      cursor: pointer;
      background: var(--accent);
      color: #fff;
    }

    .cards { display: grid; gap: 12px; grid-template-columns: repeat(auto-fit, minmax(160px, 1fr)); }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }
    .card .label { color: var(--muted); font-size: 0.78rem; text-transform: uppercase; letter-spacing: 0.05em; }
    .card .value { font-size: 1.5rem; font-weight: 700; margin-top: 4px; }

    .value.live-connected { color: var(--accent); }
    .value.live-connecting { color: var(--warn); }
    .value.live-disconnected { color: var(--danger); }

    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 8px 10px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }
    .status-pending { color: var(--warn); }
    .status-accepted, .status-in_progress { color: var(--accent); }
    .status-completed, .status-cancelled { color: var(--muted); }

    #error { color: var(--danger); font-size: 0.9rem; min-height: 1.2em; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Buggyline Session</h1>
      <div class="sub">Local control surface for one dispatch client. Paste a session token to connect.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token" />
        <button id="refresh">Refresh</button>
      </div>
      <div id="error"></div>
    </div>

    <div class="cards">
      <div class="card"><div class="label">Role</div><div class="value" id="role">-</div></div>
      <div class="card"><div class="label">Live channel</div><div class="value" id="live">-</div></div>
      <div class="card"><div class="label">Queue depth</div><div class="value" id="queue">-</div></div>
      <div class="card"><div class="label">Failed ops</div><div class="value" id="failed">-</div></div>
      <div class="card"><div class="label">Badge</div><div class="value" id="badge">-</div></div>
      <div class="card"><div class="label">Push permission</div><div class="value" id="permission">-</div></div>
    </div>

    <div class="bar">
      <h1 style="font-size:1.05rem">Requests in view</h1>
      <table>
        <thead><tr><th>ID</th><th>Status</th><th>Location</th><th>Guest</th><th>Driver</th></tr></thead>
        <tbody id="requests"><tr><td colspan="5">No data yet.</td></tr></tbody>
      </table>
    </div>
  </div>

  <script>
    const el = (id) => document.getElementById(id);

    async function fetchJSON(path) {
      const res = await fetch(path, {
        headers: { "Authorization": "Bearer " + el("token").value.trim() },
      });
      if (!res.ok) {
        const body = await res.json().catch(() => ({}));
        throw new Error(body.message || ("HTTP " + res.status));
      }
      return res.json();
    }

    async function refresh() {
      el("error").textContent = "";
      try {
        const [status, view] = await Promise.all([fetchJSON("/v1/status"), fetchJSON("/v1/view")]);
        el("role").textContent = status.role;
        el("live").textContent = status.live;
        el("live").className = "value live-" + status.live;
        el("queue").textContent = status.queueDepth + " / " + status.queueCapacity;
        el("failed").textContent = status.failedOps;
        el("badge").textContent = status.badge;
        el("permission").textContent = status.permission.status;

        const rows = (view.requests || []).map((r) =>
          "<tr><td>" + r.id + "</td>" +
          "<td class=\"status-" + r.status + "\">" + r.status + "</td>" +
          "<td>" + (r.locationRef || "") + "</td>" +
          "<td>" + (r.guestName || "") + "</td>" +
          "<td>" + (r.driverRef || "") + "</td></tr>"
        );
        el("requests").innerHTML = rows.length ? rows.join("") : "<tr><td colspan=\"5\">No requests in scope.</td></tr>";
      } catch (err) {
        el("error").textContent = err.message;
      }
    }

    el("refresh").addEventListener("click", refresh);
    setInterval(() => { if (el("token").value.trim()) refresh(); }, 5000);
  </script>
</body>
</html>`

// handleDashboard serves the static session dashboard. The page itself
// is unauthenticated; every data call it makes goes through the
// bearer-token routes.
func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, dashboardHTML)
}
