package handler

import (
	"bytes"
	"net"
	"net/http"
	"strconv"
	"strings"
	"text/template"

	"github.com/captivegate/captivegate/internal/model"
	"github.com/captivegate/captivegate/internal/proxy"
)

// PortalPage serves the landing page for a proxy verdict. The exhausted page
// shows the device's usage when it resolves.
func (h *Handler) PortalPage(v proxy.Verdict) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var quota *model.Quota
		if v == proxy.VerdictExhausted {
			meta := h.meta(r)
			if s, err := h.sessions.Resolve(r.Context(), meta.RemoteAddr, &meta); err == nil {
				quota, _ = h.ledger.Remaining(r.Context(), s.Identifier, s.Fingerprint, h.ledger.Unified())
			}
		}

		host := r.URL.Query().Get("app")
		if host == "" {
			host = r.URL.Query().Get("next")
		}
		page := h.pages.Content(v, proxy.NormalizeHost(host), quota)
		// The page is already the destination
		page.Action, page.ActionURL = "", ""
		h.pages.Write(w, http.StatusOK, page)
	}
}

// Unreachable handles GET /unreachable?host=
func (h *Handler) Unreachable(w http.ResponseWriter, r *http.Request) {
	h.pages.Write(w, http.StatusOK, h.pages.Unreachable(proxy.NormalizeHost(r.URL.Query().Get("host"))))
}

var pacTemplate = template.Must(template.New("pac").Parse(`function FindProxyForURL(url, host) {
  if (isPlainHostName(host) || host == "{{.PortalHost}}" || dnsDomainIs(host, ".{{.PortalHost}}")) {
    return "DIRECT";
  }
  if (/^\d+\.\d+\.\d+\.\d+$/.test(host) &&
      (isInNet(host, "10.0.0.0", "255.0.0.0") ||
       isInNet(host, "172.16.0.0", "255.240.0.0") ||
       isInNet(host, "192.168.0.0", "255.255.0.0") ||
       isInNet(host, "169.254.0.0", "255.255.0.0") ||
       isInNet(host, "127.0.0.0", "255.0.0.0"))) {
    return "DIRECT";
  }
  if (host == "localhost" || shExpMatch(host, "*.local")) {
    return "DIRECT";
  }
  return "PROXY {{.ProxyAddr}}";
}
`))

// ProxyPAC handles GET /proxy.pac
func (h *Handler) ProxyPAC(w http.ResponseWriter, r *http.Request) {
	portalHost := strings.ToLower(h.cfg.Server.PublicHost)
	var buf bytes.Buffer
	err := pacTemplate.Execute(&buf, map[string]interface{}{
		"PortalHost": portalHost,
		"ProxyAddr":  net.JoinHostPort(portalHost, strconv.Itoa(h.cfg.Server.ProxyPort)),
	})
	if err != nil {
		h.logFor(r).Error().Err(err).Msg("failed to render PAC script")
		writeError(w, http.StatusInternalServerError, "Failed to render PAC script")
		return
	}
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	w.Write(buf.Bytes())
}
