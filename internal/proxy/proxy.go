// Package proxy is the intercepting HTTP proxy. It forwards plain HTTP,
// terminates CONNECT tunnels with minted certificates when a CA is
// configured, and hands every captured exchange to a FlowHandler.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/telhawk-systems/telemetry-tap/internal/auth"
	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/metrics"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
	"github.com/telhawk-systems/telemetry-tap/internal/session"
)

// DefaultMaxBodyBytes bounds how much of a body is captured for the pipeline.
const DefaultMaxBodyBytes int64 = 16 << 20

// FlowHandler receives captured exchange halves. *pipeline.Pipeline satisfies it.
type FlowHandler interface {
	HandleFlow(ctx context.Context, flow *model.RawFlow)
}

// Authorizer binds proxy users to connections. *session.Resolver satisfies it.
type Authorizer interface {
	Authorize(connID, header, url string) (string, error)
	Forget(connID string)
}

// URLFilter decides which targets may be reached. *urlfilter.Filter satisfies it.
type URLFilter interface {
	Allowed(url string) bool
}

type Options struct {
	// CA enables interception of CONNECT tunnels. Without it tunnels are
	// relayed blind and only plain HTTP is captured.
	CA              *CA
	Sessions        Authorizer
	URLFilter       URLFilter
	LoginGuard      *auth.LoginGuard
	Flows           FlowHandler
	MaxBodyBytes    int64
	UpstreamTimeout time.Duration
	// Transport overrides the upstream round tripper.
	Transport http.RoundTripper
	Logger    *logging.Logger
}

type Server struct {
	opts      Options
	logger    *logging.Logger
	transport http.RoundTripper
	certs     *CertCache
	dialer    *net.Dialer

	conns    sync.Map // net.Conn -> connection id
	inflight sync.WaitGroup

	// mu guards draining so no flow is added once Wait has begun.
	mu       sync.Mutex
	draining bool
}

func NewServer(opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: opts.UpstreamTimeout,
			// Bodies are relayed exactly as the upstream encoded them.
			DisableCompression: true,
		}
	}
	s := &Server{
		opts:      opts,
		logger:    logger,
		transport: transport,
		dialer:    dialer,
	}
	if opts.CA != nil {
		s.certs = NewCertCache(opts.CA)
	}
	return s
}

// HTTPServer returns an http.Server wired with per-connection ids.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ConnContext:       s.ConnContext,
		ConnState:         s.ConnState,
	}
}

// ConnContext assigns a connection id to every accepted client connection.
func (s *Server) ConnContext(ctx context.Context, c net.Conn) context.Context {
	id := uuid.NewString()
	s.conns.Store(c, id)
	return logging.WithConnectionID(ctx, id)
}

// ConnState releases the session binding once a connection closes.
// Hijacked connections are released by the CONNECT handler.
func (s *Server) ConnState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		metrics.ActiveConnections.Inc()
	case http.StateHijacked:
		metrics.ActiveConnections.Dec()
		s.conns.Delete(c)
	case http.StateClosed:
		metrics.ActiveConnections.Dec()
		if id, ok := s.conns.LoadAndDelete(c); ok {
			s.forget(id.(string))
		}
	}
}

// Wait blocks until every dispatched flow has been handled or ctx ends.
// Flows captured after Wait is called are dropped.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	if r.URL == nil || !r.URL.IsAbs() {
		http.Error(w, "not a proxy request", http.StatusBadRequest)
		return
	}

	connID := connectionID(r.Context())
	ctx := logging.WithConnectionID(r.Context(), connID)
	target := deriveTargetURL(r, r.Host, false)
	if !s.authorize(ctx, connID, r.Header.Get("Proxy-Authorization"), target.String()) {
		writeChallenge(w)
		return
	}

	resp := s.exchange(ctx, r, connID, clientIP(r.RemoteAddr), target)
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	copyFlushing(w, resp.Body)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	connID := connectionID(r.Context())
	ctx := logging.WithConnectionID(r.Context(), connID)

	if !s.authorize(ctx, connID, r.Header.Get("Proxy-Authorization"), r.Host) {
		writeChallenge(w)
		return
	}
	if s.certs == nil {
		if target := "https://" + stripDefaultPort(r.Host, "443"); !s.allowed(ctx, target) {
			http.Error(w, "Forbidden URL:\t"+target, http.StatusForbidden)
			return
		}
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	raw, rw, err := hj.Hijack()
	if err != nil {
		s.logger.WarnContext(ctx, "hijack failed", logging.Error(err))
		return
	}
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	defer s.forget(connID)

	conn := &bufferedConn{Conn: raw, r: rw.Reader}
	defer conn.Close()

	if s.certs == nil {
		s.tunnel(ctx, conn, r.Host)
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	cert, err := s.certs.CertForHost(r.Host)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to mint certificate", "host", r.Host, logging.Error(err))
		return
	}
	tlsConn := tls.Server(conn, &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1"},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.logger.DebugContext(ctx, "tls handshake failed", "host", r.Host, logging.Error(err))
		return
	}
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	ip := clientIP(r.RemoteAddr)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConnErr(err) {
				s.logger.DebugContext(ctx, "failed to read intercepted request", "host", r.Host, logging.Error(err))
			}
			return
		}
		req.RemoteAddr = r.RemoteAddr
		if shouldSend100Continue(req) {
			if _, err := io.WriteString(tlsConn, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
				return
			}
		}

		target := deriveTargetURL(req, r.Host, true)
		resp := s.exchange(ctx, req, connID, ip, target)
		closeAfter, err := writeHTTP11Response(tlsConn, resp)
		_ = resp.Body.Close()
		_ = req.Body.Close()
		if err != nil || closeAfter || req.Close {
			return
		}
	}
}

// tunnel relays bytes between the client and hostport without inspection.
func (s *Server) tunnel(ctx context.Context, client *bufferedConn, hostport string) {
	upstream, err := s.dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		s.logger.WarnContext(ctx, "tunnel dial failed", "host", hostport, logging.Error(err))
		_, _ = io.WriteString(client, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		_, _ = io.Copy(upstream, client)
		closeWrite(upstream)
	})
	wg.Go(func() {
		_, _ = io.Copy(client, upstream)
		closeWrite(client.Conn)
	})
	wg.Wait()
}

// exchange applies the request policy, forwards req upstream and arranges
// for both halves to reach the flow handler. It always returns a response.
func (s *Server) exchange(ctx context.Context, req *http.Request, connID, ip string, target *url.URL) *http.Response {
	start := time.Now().UTC()
	targetURL := target.String()

	if !s.allowed(ctx, targetURL) {
		return syntheticResponse(http.StatusForbidden, "Forbidden URL:\t"+targetURL)
	}

	body, complete, err := readCapture(req.Body, s.opts.MaxBodyBytes)
	if err != nil {
		return syntheticResponse(http.StatusBadRequest, "failed to read request body")
	}

	if s.opts.LoginGuard.Applies(req.Method, targetURL) {
		if !complete || !s.opts.LoginGuard.Allow(req.Method, targetURL, body) {
			metrics.LoginGuardRejections.Inc()
			s.logger.InfoContext(ctx, "sign-in rejected by login guard", logging.URL(targetURL))
			return syntheticResponse(http.StatusForbidden, "Forbidden")
		}
	}

	flow := model.RawFlow{
		Method:       req.Method,
		URL:          targetURL,
		ClientIP:     ip,
		ConnectionID: connID,
		StartedAt:    start,
	}

	upstreamBody := io.Reader(bytes.NewReader(body))
	length := int64(len(body))
	if complete {
		reqFlow := flow
		reqFlow.Direction = model.DirectionRequest
		reqFlow.Header = cloneHeader(req.Header)
		reqFlow.Header.Del("Proxy-Authorization")
		reqFlow.Body = body
		s.dispatch(ctx, &reqFlow)
	} else {
		s.logger.DebugContext(ctx, "request body exceeds capture limit", logging.URL(targetURL))
		upstreamBody = io.MultiReader(upstreamBody, req.Body)
		length = req.ContentLength
	}

	outReq, err := buildOutboundRequest(ctx, req, upstreamBody, length, target)
	if err != nil {
		return syntheticResponse(http.StatusBadGateway, "failed to build outbound request")
	}
	resp, err := s.transport.RoundTrip(outReq)
	if err != nil {
		s.logger.WarnContext(ctx, "upstream request failed", logging.URL(targetURL), logging.Error(err))
		return syntheticResponse(http.StatusBadGateway, "upstream request failed")
	}

	respHeader := cloneHeader(resp.Header)
	resp.Body = &captureReader{
		ReadCloser: resp.Body,
		limit:      s.opts.MaxBodyBytes,
		done: func(captured []byte, overflow bool) {
			if overflow {
				s.logger.DebugContext(ctx, "response body exceeds capture limit", logging.URL(targetURL))
				return
			}
			rspFlow := flow
			rspFlow.Direction = model.DirectionResponse
			rspFlow.Header = respHeader
			rspFlow.Body = captured
			s.dispatch(ctx, &rspFlow)
		},
	}
	return resp
}

func (s *Server) authorize(ctx context.Context, connID, header, target string) bool {
	if s.opts.Sessions == nil {
		return true
	}
	if _, err := s.opts.Sessions.Authorize(connID, header, target); err != nil {
		metrics.AuthRejections.Inc()
		s.logger.InfoContext(ctx, "proxy authentication required", logging.URL(target))
		return false
	}
	return true
}

func (s *Server) allowed(ctx context.Context, target string) bool {
	if s.opts.URLFilter == nil || s.opts.URLFilter.Allowed(target) {
		return true
	}
	metrics.URLFilterRejections.Inc()
	s.logger.InfoContext(ctx, "forbidden URL", logging.URL(target))
	return false
}

func (s *Server) forget(connID string) {
	if s.opts.Sessions != nil {
		s.opts.Sessions.Forget(connID)
	}
}

// dispatch hands a flow to the handler without blocking the exchange.
func (s *Server) dispatch(ctx context.Context, flow *model.RawFlow) {
	if s.opts.Flows == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "dropping flow captured during shutdown", logging.URL(flow.URL))
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.inflight.Done()
		if r := panics.Try(func() { s.opts.Flows.HandleFlow(ctx, flow) }); r != nil {
			s.logger.ErrorContext(ctx, "flow handler panicked", logging.URL(flow.URL), "panic", fmt.Sprint(r.Value))
		}
	}()
}

func connectionID(ctx context.Context) string {
	if id := logging.ConnectionIDFrom(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeChallenge(w http.ResponseWriter) {
	w.Header().Set("Proxy-Authenticate", session.Challenge)
	http.Error(w, http.StatusText(http.StatusProxyAuthRequired), http.StatusProxyAuthRequired)
}

// captureReader copies up to limit bytes of a body as it is relayed and
// reports them once the body is closed.
type captureReader struct {
	io.ReadCloser
	limit    int64
	buf      bytes.Buffer
	overflow bool
	once     sync.Once
	done     func(captured []byte, overflow bool)
}

func (c *captureReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 && !c.overflow {
		if int64(c.buf.Len()+n) > c.limit {
			c.overflow = true
			c.buf.Reset()
		} else {
			c.buf.Write(p[:n])
		}
	}
	if errors.Is(err, io.EOF) {
		c.finish()
	}
	return n, err
}

func (c *captureReader) Close() error {
	err := c.ReadCloser.Close()
	c.finish()
	return err
}

func (c *captureReader) finish() {
	c.once.Do(func() { c.done(c.buf.Bytes(), c.overflow) })
}

// bufferedConn reads through the bufio.Reader left over from hijacking so
// bytes the client sent early are not lost.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// readCapture reads at most limit bytes. When the body is longer the
// returned slice holds what was consumed and complete is false; the rest
// is still unread in body.
func readCapture(body io.ReadCloser, limit int64) ([]byte, bool, error) {
	if body == nil || body == http.NoBody {
		return nil, true, nil
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, err
	}
	return data, int64(len(data)) <= limit, nil
}

func buildOutboundRequest(ctx context.Context, in *http.Request, body io.Reader, length int64, target *url.URL) (*http.Request, error) {
	out, err := http.NewRequestWithContext(ctx, in.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.Header = cloneHeader(in.Header)
	removeHopHeaders(out.Header)
	out.Host = target.Host
	if in.Host != "" {
		out.Host = in.Host
	}
	out.ContentLength = length
	if length == 0 {
		out.Body = http.NoBody
	}
	return out, nil
}

// deriveTargetURL reconstructs the absolute URL a request is aimed at.
// connectHost is the CONNECT authority for intercepted requests.
func deriveTargetURL(req *http.Request, connectHost string, isTLS bool) *url.URL {
	if req.URL != nil && req.URL.IsAbs() {
		cloned := *req.URL
		return &cloned
	}
	scheme, defaultPort := "http", "80"
	if isTLS {
		scheme, defaultPort = "https", "443"
	}
	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}
	if host == "" {
		host = connectHost
	}
	u := &url.URL{Scheme: scheme, Host: stripDefaultPort(host, defaultPort)}
	if req.URL != nil {
		u.Path = req.URL.Path
		u.RawPath = req.URL.RawPath
		u.RawQuery = req.URL.RawQuery
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u
}

func stripDefaultPort(hostport, port string) string {
	return strings.TrimSuffix(hostport, ":"+port)
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func syntheticResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(body + "\n")),
		ContentLength: int64(len(body) + 1),
		Header: http.Header{
			"Content-Type": []string{"text/html"},
		},
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		copied := make([]string, len(vv))
		copy(copied, vv)
		out[k] = copied
	}
	return out
}

// copyFlushing relays a body and flushes after every chunk so streamed
// completions reach the client as they arrive.
func copyFlushing(w http.ResponseWriter, body io.Reader) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			_ = rc.Flush()
		}
		if err != nil {
			return
		}
	}
}

func writeHTTP11Response(w io.Writer, resp *http.Response) (bool, error) {
	cloned := *resp
	cloned.Header = cloneHeader(resp.Header)
	cloned.Proto = "HTTP/1.1"
	cloned.ProtoMajor = 1
	cloned.ProtoMinor = 1
	closeAfter := cloned.Close
	if cloned.ContentLength < 0 && !hasChunkedTransferEncoding(cloned.TransferEncoding) {
		// Without a length or chunking the body is delimited by close.
		cloned.Close = true
		closeAfter = true
	}
	removeHopHeaders(cloned.Header)
	if err := cloned.Write(w); err != nil {
		return true, err
	}
	return closeAfter, nil
}

func removeHopHeaders(h http.Header) {
	for _, k := range []string{
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade",
	} {
		h.Del(k)
	}
}

func hasChunkedTransferEncoding(te []string) bool {
	return len(te) > 0 && strings.EqualFold(strings.TrimSpace(te[0]), "chunked")
}

func shouldSend100Continue(req *http.Request) bool {
	if req == nil || req.Body == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(req.Header.Get("Expect")), "100-continue")
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
