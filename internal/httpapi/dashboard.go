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
  <title>EvidenceGate Ingest Monitor</title>
  <style>
    :root {
      --ink: #1b2330;
      --paper: #f5f6f8;
      --card: #ffffff;
      --line: #d5dae2;
      --accent: #2a6f97;
      --danger: #b23a48;
      --muted: #6b7686;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 20px;
    }

    .shell { max-width: 1080px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .panel, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }

    h1 { margin: 0; font-size: 1.4rem; }
    h2 { margin: 0 0 10px; font-size: 1rem; }
    .sub { margin-top: 4px; color: var(--muted); font-size: 0.85rem; }

    .controls { display: flex; gap: 10px; margin-top: 10px; }
    .controls input { flex: 1; border: 1px solid var(--line); border-radius: 8px; padding: 8px; }
    .controls button {
      border: 0; border-radius: 8px; padding: 8px 14px;
      background: var(--accent); color: #fff; cursor: pointer;
    }

    .cards { display: grid; gap: 10px; grid-template-columns: repeat(4, 1fr); }
    .card .label { color: var(--muted); font-size: 0.75rem; text-transform: uppercase; }
    .card .value { font-size: 1.5rem; font-weight: 600; }

    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    .mono { font-family: ui-monospace, monospace; }
    .status-COMMITTED { color: var(--accent); }
    .status-COMPENSATED { color: var(--danger); }
    .status-PENDING { color: var(--muted); }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>EvidenceGate Ingest Monitor</h1>
      <div class="sub">Pipeline counters and live saga transactions.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (txn:read)" autocomplete="off" />
        <button id="connect" type="button">Connect</button>
      </div>
      <div class="sub" id="statusMessage">disconnected</div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Processed</div><div id="processed" class="value">-</div></article>
      <article class="card"><div class="label">Duplicates</div><div id="duplicates" class="value">-</div></article>
      <article class="card"><div class="label">Already Done</div><div id="alreadyDone" class="value">-</div></article>
      <article class="card"><div class="label">Failed</div><div id="failed" class="value">-</div></article>
    </section>

    <section class="panel">
      <h2>Transactions</h2>
      <table>
        <thead>
          <tr><th>ID</th><th>Operation</th><th>Status</th><th>Started</th><th>Error</th></tr>
        </thead>
        <tbody id="txnRows"></tbody>
      </table>
    </section>
  </main>

  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        connect: document.getElementById("connect"),
        statusMessage: document.getElementById("statusMessage"),
        processed: document.getElementById("processed"),
        duplicates: document.getElementById("duplicates"),
        alreadyDone: document.getElementById("alreadyDone"),
        failed: document.getElementById("failed"),
        txnRows: document.getElementById("txnRows"),
      };
      const rows = new Map();
      let socket = null;
      let statsTimer = null;

      function setStatus(text) {
        dom.statusMessage.textContent = text;
      }

      async function refreshStats() {
        const response = await fetch(window.location.origin + "/healthz");
        if (!response.ok) {
          return;
        }
        const data = await response.json();
        const stats = data.stats || {};
        dom.processed.textContent = String(stats.processedTotal || 0);
        dom.duplicates.textContent = String(stats.duplicateTotal || 0);
        dom.alreadyDone.textContent = String(stats.alreadyDoneTotal || 0);
        dom.failed.textContent = String(stats.failedTotal || 0);
      }

      function renderTxn(txn) {
        let row = rows.get(txn.transactionId);
        if (!row) {
          row = document.createElement("tr");
          rows.set(txn.transactionId, row);
          dom.txnRows.prepend(row);
        }
        row.innerHTML = "";
        const cells = [
          txn.transactionId,
          txn.operationType,
          txn.status,
          txn.startedAt,
          txn.error || "",
        ];
        cells.forEach(function (value, i) {
          const cell = document.createElement("td");
          cell.textContent = String(value || "");
          if (i === 0 || i === 3) {
            cell.className = "mono";
          }
          if (i === 2) {
            cell.className = "status-" + String(value || "");
          }
          row.appendChild(cell);
        });
      }

      function connect() {
        const token = dom.token.value.trim();
        if (!token) {
          setStatus("missing token");
          return;
        }
        if (socket) {
          socket.close();
        }
        const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + window.location.host + "/v1/transactions/feed?token=" + encodeURIComponent(token));
        socket.onopen = function () { setStatus("connected"); };
        socket.onclose = function () { setStatus("disconnected"); };
        socket.onmessage = function (event) {
          try {
            renderTxn(JSON.parse(event.data));
          } catch (err) {
            setStatus("bad feed payload");
          }
        };
        if (statsTimer) {
          clearInterval(statsTimer);
        }
        refreshStats();
        statsTimer = setInterval(refreshStats, 5000);
      }

      dom.connect.addEventListener("click", connect);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
