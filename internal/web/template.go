package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/irrigation-controller/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"percent": func(f float64) string {
		return fmt.Sprintf("%.1f%%", f*100)
	},
	"clock": func(t time.Time) string {
		return t.Format("15:04:05")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="10">
<title>Irrigation Controller</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.open { color: #06c; font-weight: bold; }
.closed { color: #888; }
.error { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Irrigation Controller</h1>

<h2>Control</h2>
<table>
<tr><th>Mode</th><td>{{.Mode}}</td></tr>
<tr><th>State</th><td class="{{if eq (printf "%s" .State) "error"}}error{{end}}">{{.State}}</td></tr>
<tr><th>Valve</th><td class="{{if .ValveOpen}}open{{else}}closed{{end}}">{{if .ValveOpen}}open{{else}}closed{{end}}</td></tr>
{{if .Run}}<tr><th>Run</th><td>{{.Run.Origin}} since {{clock .Run.StartedAt}}{{if not .Run.Deadline.IsZero}} until {{clock .Run.Deadline}}{{end}}</td></tr>{{end}}
{{if eq (printf "%s" .State) "soaking"}}<tr><th>Soaking until</th><td>{{clock .SoakUntil}}</td></tr>{{end}}
<tr><th>Budget</th><td>{{.BudgetUsed}}s of {{.BudgetLimit}}s used</td></tr>
{{if .LastError}}<tr><th>Last error</th><td class="error">{{.LastError}}</td></tr>{{end}}
</table>

<h2>Sensors</h2>
<table>
{{if .Soil}}<tr><th>Soil moisture</th><td>{{percent .Soil.MoistureRel}}</td></tr>
<tr><th>Soil temperature</th><td>{{printf "%.1f" .Soil.TemperatureC}}°C</td></tr>{{else}}<tr><th>Soil</th><td class="disconnected">no reading</td></tr>{{end}}
{{if .Air}}<tr><th>Air temperature</th><td>{{printf "%.1f" .Air.TemperatureC}}°C</td></tr>
<tr><th>Air humidity</th><td>{{printf "%.0f" .Air.HumidityRel}}%</td></tr>{{else}}<tr><th>Air</th><td class="disconnected">no reading</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Sensors</th><td>{{.Config.SensorSource}}</td></tr>
<tr><th>Valve driver</th><td>{{.Config.ValveDriver}}</td></tr>
{{if .Config.Timezone}}<tr><th>Timezone</th><td>{{.Config.Timezone}}</td></tr>{{end}}
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/status/metrics">metrics JSON</a> · <a href="/index.json">status JSON</a> · <a href="/metrics">prometheus</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Warn().Err(err).Msg("failed to render status page")
	}
}
