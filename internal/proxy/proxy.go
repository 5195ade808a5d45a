// Package proxy implements the walled-garden forward and CONNECT proxy.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/captivegate/captivegate/internal/config"
	"github.com/captivegate/captivegate/internal/device"
	"github.com/captivegate/captivegate/internal/logger"
)

// ErrUpstreamUnreachable is returned when the target host cannot be dialed
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// DialFunc opens upstream connections
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Proxy is the gateway's forward proxy. Every connection is authorized by the
// Decider and metered against the ledger once it finishes.
type Proxy struct {
	decider   *Decider
	ledger    Ledger
	pages     *Pages
	dial      DialFunc
	transport *http.Transport
	limiter   *clientLimiter
	trustFwd  bool
	log       *logger.Logger
}

// New creates a new Proxy
func New(cfg config.ProxyConfig, trustForwarded bool, decider *Decider, ledger Ledger, pages *Pages, log *logger.Logger) *Proxy {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	p := &Proxy{
		decider:  decider,
		ledger:   ledger,
		pages:    pages,
		dial:     dialer.DialContext,
		limiter:  newClientLimiter(cfg.ConnRate, cfg.ConnBurst),
		trustFwd: trustForwarded,
		log:      log.WithComponent("proxy"),
	}
	p.transport = &http.Transport{
		Proxy:                 nil,
		DialContext:           p.dialUpstream,
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.DialTimeout,
		ExpectContinueTimeout: time.Second,
	}
	return p
}

// SetDialer replaces the upstream dialer. Used by tests.
func (p *Proxy) SetDialer(dial DialFunc) {
	p.dial = dial
}

// Close releases background resources
func (p *Proxy) Close() {
	p.limiter.Stop()
	p.transport.CloseIdleConnections()
}

func (p *Proxy) dialUpstream(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := p.dial(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamUnreachable, addr, err)
	}
	return conn, nil
}

// ServeHTTP dispatches CONNECT tunnels, absolute-URI forwards and stray origin-form requests
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := device.MetaFromRequest(r, p.trustFwd).Address()
	if !p.limiter.Allow(client) {
		p.pages.Write(w, http.StatusTooManyRequests, Page{
			Title:   "Too many connections",
			Message: "Your device is opening connections too quickly. Wait a moment and retry.",
		})
		return
	}

	switch {
	case r.Method == http.MethodConnect:
		p.handleConnect(w, r)
	case !r.URL.IsAbs():
		// Not a proxy request, e.g. an OS connectivity check that hit the proxy port directly
		http.Redirect(w, r, p.pages.PortalURL(PathLogin, nil), http.StatusFound)
	default:
		p.handleForward(w, r)
	}
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	host := NormalizeHost(target)

	dec := p.decider.Decide(r.Context(), host, r)
	if dec.Verdict != VerdictAllow {
		p.pages.WriteVerdict(w, dec, host)
		p.log.ProxyExchange("connect", host, string(dec.Verdict), dec.Identifier, 0, 0, time.Since(start))
		return
	}

	upstream, err := p.dialUpstream(r.Context(), "tcp", target)
	if err != nil {
		p.log.Warn().Err(err).Str("host", host).Msg("upstream dial failed")
		p.pages.Write(w, http.StatusBadGateway, p.pages.Unreachable(host))
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "tunneling not supported", http.StatusInternalServerError)
		return
	}
	clientConn, buf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		p.log.Error().Err(err).Msg("failed to hijack client connection")
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		upstream.Close()
		return
	}

	var clientReader io.Reader = clientConn
	if buf != nil && buf.Reader.Buffered() > 0 {
		clientReader = io.MultiReader(io.LimitReader(buf.Reader, int64(buf.Reader.Buffered())), clientConn)
	}

	up, down, err := splice(clientConn, clientReader, upstream)
	if err != nil {
		p.log.Debug().Err(err).Str("host", host).Msg("tunnel ended with error")
	}
	p.meter(dec, up+down)
	p.log.ProxyExchange("connect", host, string(dec.Verdict), dec.Identifier, up, down, time.Since(start))
}

func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	host := NormalizeHost(r.URL.Host)

	dec := p.decider.Decide(r.Context(), host, r)
	if dec.Verdict != VerdictAllow {
		p.pages.WriteVerdict(w, dec, host)
		p.log.ProxyExchange("forward", host, string(dec.Verdict), dec.Identifier, 0, 0, time.Since(start))
		return
	}

	var reqBody, respBody *countingBody
	if r.Body != nil && r.Body != http.NoBody {
		reqBody = newCountingBody(r.Body)
		r.Body = reqBody
	}

	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.Header.Del(TokenHeader)
		},
		ModifyResponse: func(resp *http.Response) error {
			respBody = newCountingBody(resp.Body)
			resp.Body = respBody
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, ErrUpstreamUnreachable) {
				p.pages.Write(w, http.StatusBadGateway, p.pages.Unreachable(host))
				return
			}
			if !errors.Is(err, context.Canceled) {
				p.log.Warn().Err(err).Str("host", host).Msg("forward failed")
			}
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)

	up, down := reqBody.Count(), respBody.Count()
	p.meter(dec, up+down)
	p.log.ProxyExchange("forward", host, string(dec.Verdict), dec.Identifier, up, down, time.Since(start))
}

// meter applies the exchange to the ledger. It runs after the connection
// finished, so it uses a fresh context.
func (p *Proxy) meter(dec Decision, n int64) {
	if !dec.Metered || dec.Identifier == "" || n <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.ledger.ReportUsage(ctx, dec.Identifier, dec.Fingerprint, BytesToMB(n), dec.RouterID); err != nil {
		p.log.Error().Err(err).Str("identifier", dec.Identifier).Msg("failed to meter usage")
	}
}
