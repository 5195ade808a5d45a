package proxy

import (
	"bytes"
	"html/template"
	"net/http"
	"net/url"

	"github.com/captivegate/captivegate/internal/model"
	"github.com/dustin/go-humanize"
)

// Portal page paths the proxy redirects to
const (
	PathLogin       = "/login"
	PathExhausted   = "/exhausted"
	PathAppLocked   = "/locked"
	PathBusy        = "/busy"
	PathUnreachable = "/unreachable"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:32rem;margin:3rem auto;padding:0 1rem;color:#222}
h1{font-size:1.4rem}.quota{color:#555}a.button{display:inline-block;padding:.6rem 1rem;background:#0a66c2;color:#fff;text-decoration:none;border-radius:4px}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Usage}}<p class="quota">{{.Usage}}</p>{{end}}
{{if .Action}}<p><a class="button" href="{{.ActionURL}}">{{.Action}}</a></p>{{end}}
</body>
</html>
`))

// Page is the content of one block page
type Page struct {
	Title     string
	Message   string
	Usage     string
	Action    string
	ActionURL string
}

// Pages renders the block pages and the redirects that lead to them
type Pages struct {
	portalURL string
}

// NewPages creates a new Pages rooted at the portal URL
func NewPages(portalURL string) *Pages {
	return &Pages{portalURL: portalURL}
}

// PortalURL returns the absolute URL of a portal path with optional query values
func (p *Pages) PortalURL(path string, q url.Values) string {
	u := p.portalURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// Content returns the page shown for a refused verdict
func (p *Pages) Content(v Verdict, host string, quota *model.Quota) Page {
	switch v {
	case VerdictExhausted:
		return Page{
			Title:     "Your data bundle is used up",
			Message:   "Watch a short ad or get a new bundle to keep browsing.",
			Usage:     usageLine(quota),
			Action:    "Get more data",
			ActionURL: p.PortalURL(PathExhausted, nil),
		}
	case VerdictAppLocked:
		return Page{
			Title:     "This app is locked",
			Message:   host + " unlocks after you watch your first ad.",
			Action:    "Watch an ad",
			ActionURL: p.PortalURL(PathAppLocked, url.Values{"app": {host}}),
		}
	case VerdictBusy:
		return Page{
			Title:     "Access point busy",
			Message:   "Another device on this access point is watching an ad. Try again in a few seconds.",
			Action:    "Retry",
			ActionURL: p.PortalURL(PathBusy, nil),
		}
	default:
		return Page{
			Title:     "Sign in to use the WiFi",
			Message:   "This hotspot needs you to sign in before you can browse.",
			Action:    "Sign in",
			ActionURL: p.PortalURL(PathLogin, url.Values{"next": {host}}),
		}
	}
}

// Unreachable returns the page shown when the upstream host cannot be dialed
func (p *Pages) Unreachable(host string) Page {
	return Page{
		Title:   "Site unreachable",
		Message: "The hotspot could not connect to " + host + ". The site may be down.",
	}
}

// WriteVerdict answers a refused connection. Login, exhausted and app-locked
// redirect to the portal; a busy access point gets a page in place.
func (p *Pages) WriteVerdict(w http.ResponseWriter, dec Decision, host string) {
	page := p.Content(dec.Verdict, host, dec.Quota)
	if dec.Verdict == VerdictBusy {
		p.Write(w, http.StatusServiceUnavailable, page)
		return
	}
	w.Header().Set("Location", page.ActionURL)
	p.Write(w, http.StatusFound, page)
}

// Write renders page with status
func (p *Pages) Write(w http.ResponseWriter, status int, page Page) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, page); err != nil {
		http.Error(w, page.Title, status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func usageLine(q *model.Quota) string {
	if q == nil || q.TotalBundleMB <= 0 {
		return ""
	}
	return "Used " + humanize.IBytes(mbToBytes(q.TotalUsedMB)) + " of " + humanize.IBytes(mbToBytes(q.TotalBundleMB)) + "."
}

// BytesToMB converts a byte count into ledger megabytes
func BytesToMB(n int64) float64 {
	return float64(n) / (1024 * 1024)
}

func mbToBytes(mb float64) uint64 {
	if mb <= 0 {
		return 0
	}
	return uint64(mb * 1024 * 1024)
}
