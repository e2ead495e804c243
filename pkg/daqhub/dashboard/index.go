package dashboard

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>daqhub</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background: #f5f5f5; }
        .header { background: #2c3e50; color: white; padding: 20px; border-radius: 5px; margin-bottom: 20px; }
        .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 20px; }
        .card { background: white; padding: 20px; border-radius: 5px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        canvas { width: 100%; height: 300px; background: #111; }
        pre { max-height: 400px; overflow-y: auto; font-size: 0.85em; }
        .status { font-weight: bold; color: #f39c12; }
    </style>
</head>
<body>
    <div class="header">
        <h1>daqhub</h1>
        <p>Acquisition, control expressions and scope</p>
        <span class="status" id="status">connecting</span>
    </div>
    <div class="grid">
        <div class="card">
            <h3>Scope</h3>
            <canvas id="scope" width="800" height="300"></canvas>
        </div>
        <div class="card">
            <h3>Expressions</h3>
            <pre id="telemetry"></pre>
        </div>
    </div>
    <script>
        const status = document.getElementById('status');
        const telemetry = document.getElementById('telemetry');
        const canvas = document.getElementById('scope');
        const g = canvas.getContext('2d');

        function drawSweep(sweep) {
            const n = sweep.samples ? sweep.samples.length : 0;
            g.fillStyle = '#111';
            g.fillRect(0, 0, canvas.width, canvas.height);
            if (n < 2) return;
            g.strokeStyle = '#2ecc71';
            g.beginPath();
            sweep.samples.forEach((s, i) => {
                const x = i * canvas.width / (n - 1);
                const y = canvas.height / 2 - (s.ai[0] || 0) * canvas.height / 20;
                if (i === 0) g.moveTo(x, y); else g.lineTo(x, y);
            });
            g.stroke();
            if (sweep.triggered) {
                const x = sweep.trigger_index * canvas.width / (n - 1);
                g.strokeStyle = '#e74c3c';
                g.beginPath(); g.moveTo(x, 0); g.lineTo(x, canvas.height); g.stroke();
            }
        }

        function connect() {
            const ws = new WebSocket('ws://' + location.host + '/ws');
            ws.onopen = () => status.textContent = 'live';
            ws.onclose = () => { status.textContent = 'disconnected'; setTimeout(connect, 1000); };
            ws.onmessage = (msg) => {
                const data = JSON.parse(msg.data);
                if (data.type === 'scope_sweep') drawSweep(data);
                else if (data.type === 'telemetry') telemetry.textContent = JSON.stringify(data.expressions, null, 2);
            };
        }
        connect();
    </script>
</body>
</html>`
