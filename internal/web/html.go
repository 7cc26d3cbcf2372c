package web

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>Posture Guard AI</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { max-width: 960px; margin: 0 auto; padding: 16px; }
        .camera-box { position: relative; background: #000; min-height: 240px; }
        .camera-box img { width: 100%; height: auto; display: block; }
        .posture { font-size: 32px; font-weight: bold; margin: 12px 0 4px; }
        .posture.good { color: #00ff7f; }
        .posture.bad { color: #ff5050; }
        .controls { display: flex; gap: 8px; flex-wrap: wrap; margin: 12px 0; }
        .controls button { padding: 8px 14px; }
        .hidden { display: none; }
        #score { font-family: monospace; white-space: pre; }
        #status { color: #aaa; }
        #alert { color: #ff5050; }
    </style>
</head>
<body>
    <div class="app">
        <h1>Posture Guard AI</h1>
        <div class="camera-box" id="cameraBox">
            <img id="stream" src="/stream" alt="Live preview">
        </div>
        <div class="posture" id="posture">OFF</div>
        <div id="score">-</div>
        <div id="message"></div>
        <div id="status"></div>
        <div id="alert"></div>
        <div class="controls">
            <button type="button" id="cameraBtn" data-action="/api/camera/toggle"></button>
            <button type="button" id="startBtn" data-action="/api/measure" class="hidden"></button>
            <button type="button" id="privacyBtn" data-action="/api/privacy/toggle"></button>
            <button type="button" id="skeletonBtn" data-action="/api/skeleton/toggle"></button>
        </div>
        <p><a href="/api/history">History</a></p>
    </div>
    <script>
        const $ = (id) => document.getElementById(id);

        function apply(v) {
            $("posture").textContent = v.posture;
            $("posture").className = v.posture_class;
            $("score").textContent = v.score;
            $("message").textContent = v.message;
            $("status").textContent = v.status;
            $("cameraBtn").textContent = v.camera_button;
            $("startBtn").textContent = v.start_button;
            $("startBtn").classList.toggle("hidden", !v.start_visible);
            $("privacyBtn").textContent = v.privacy_button;
            $("skeletonBtn").textContent = v.skeleton_button;
        }

        document.querySelectorAll("button[data-action]").forEach((btn) => {
            btn.addEventListener("click", async () => {
                btn.disabled = true;
                try {
                    const res = await fetch(btn.dataset.action, { method: "POST" });
                    const body = await res.json();
                    if (body.view) apply(body.view);
                    if (!res.ok && body.error) $("alert").textContent = body.error;
                } finally {
                    btn.disabled = false;
                }
            });
        });

        let resizeTimer;
        window.addEventListener("resize", () => {
            clearTimeout(resizeTimer);
            resizeTimer = setTimeout(() => fetch("/api/resize", { method: "POST" }), 250);
        });

        const events = new EventSource("/api/status/stream");
        events.onmessage = (e) => {
            const ev = JSON.parse(e.data);
            if (ev.type === "view") {
                apply(ev.data);
                $("alert").textContent = "";
            } else if (ev.type === "alert") {
                $("alert").textContent = ev.data.message;
            }
        };

        fetch("/api/status").then((r) => r.json()).then(apply);
    </script>
</body>
</html>
`
