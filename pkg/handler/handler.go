// Package handler implements the per-connection proxy state machine: parse
// the request line, apply rate limiting and the host blacklist, then either
// open a CONNECT tunnel or forward a plain HTTP/1.x request, consulting the
// cache along the way.
package handler

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mohsen-ahmadian/httpproxy/pkg/cache"
	"github.com/mohsen-ahmadian/httpproxy/pkg/config"
	"github.com/mohsen-ahmadian/httpproxy/pkg/filter"
	"github.com/mohsen-ahmadian/httpproxy/pkg/proxylog"
	"github.com/mohsen-ahmadian/httpproxy/pkg/stats"
)

const tunnelIdleTimeout = 60 * time.Second

// Handler owns one accepted client connection for its entire lifetime.
type Handler struct {
	conn     net.Conn
	clientIP string

	cfg    *config.Config
	cache  *cache.Cache
	filter *filter.Filter
	stats  *stats.Stats
	logger *proxylog.Logger
}

// New returns a Handler for conn. cfg is held by pointer and read while the
// connection is served; main.go passes the configuration loaded at startup,
// which config hot reload does not replace (reload only updates the Filter
// and the Stats footer).
func New(conn net.Conn, cfg *config.Config, c *cache.Cache, f *filter.Filter, s *stats.Stats, l *proxylog.Logger) *Handler {
	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return &Handler{conn: conn, clientIP: ip, cfg: cfg, cache: c, filter: f, stats: s, logger: l}
}

// Serve runs the handler to completion: exactly one request is read off the
// connection, processed, and the connection is then closed.
func (h *Handler) Serve() {
	h.stats.UpdateConns(1)
	defer h.stats.UpdateConns(-1)
	defer h.conn.Close()

	defer func() {
		if r := recover(); r != nil {
			h.logger.Log(h.clientIP, "ERROR", "-", 500, fmt.Sprint(r))
		}
	}()

	h.conn.SetReadDeadline(time.Now().Add(time.Duration(h.cfg.SocketTimeout) * time.Second))

	buf := make([]byte, h.cfg.BufferSize)
	n, err := h.conn.Read(buf)
	if err != nil || n == 0 {
		return
	}
	request := buf[:n]

	firstLineEnd := bytes.IndexByte(request, '\n')
	if firstLineEnd == -1 {
		return
	}
	firstLine := strings.TrimSpace(string(request[:firstLineEnd]))

	parts := strings.Fields(firstLine)
	if len(parts) != 3 {
		return
	}
	method, url := parts[0], parts[1]

	if strings.Contains(url, "proxy-stats") {
		h.serveStatsPage()
		return
	}

	h.stats.RecordReq()

	host, port := extractHostPort(request, url, method)

	if h.filter.IsRateLimited(h.clientIP) {
		h.sendError(429, "Too Many Requests")
		h.logger.Log(h.clientIP, method, url, 429, "RATE_LIMIT")
		h.stats.RecordLimit()
		h.stats.AddLog(h.clientIP, method, url, 429, "RATE_LIMIT")
		return
	}

	if h.filter.IsBlocked(host) {
		h.sendError(403, "Forbidden")
		h.logger.Log(h.clientIP, method, url, 403, "BLOCKED")
		h.stats.RecordBlock()
		h.stats.AddLog(h.clientIP, method, url, 403, "BLOCKED")
		return
	}

	if strings.EqualFold(method, "CONNECT") {
		h.handleTunnel(method, host, port)
		return
	}

	h.handleForward(method, url, host, port, request)
}

// extractHostPort determines the origin host and port for a request,
// following original_source/proxy_handler.py's fallback order: the Host
// header first, then the request target's authority.
//
// Known limitation (left as-is, see DESIGN.md Open Question 5): IPv6
// literal authorities are misparsed by the rightmost-colon split below.
// "[::1]:8080" yields port 8080 but keeps the brackets in the host, and a
// bare "[::1]" is split on the last ':' inside the brackets.
func extractHostPort(request []byte, url, method string) (string, int) {
	host := ""
	port := 80

	text := string(request)
	for _, line := range strings.Split(text, "\r\n") {
		if len(line) >= 5 && strings.EqualFold(line[:5], "host:") {
			host = strings.TrimSpace(line[5:])
			break
		}
	}

	if host == "" {
		if idx := strings.Index(url, "://"); idx != -1 {
			rest := url[idx+3:]
			if slash := strings.Index(rest, "/"); slash != -1 {
				host = rest[:slash]
			} else {
				host = rest
			}
		} else {
			if slash := strings.Index(url, "/"); slash != -1 {
				host = url[:slash]
			} else {
				host = url
			}
		}
	}

	if idx := strings.LastIndex(host, ":"); idx != -1 {
		hostPart := host[:idx]
		portPart := host[idx+1:]
		host = hostPart
		if p, err := strconv.Atoi(portPart); err == nil {
			port = p
		}
	} else if strings.EqualFold(method, "CONNECT") {
		port = 443
	}

	return host, port
}

func (h *Handler) serveStatsPage() {
	html := h.stats.GenerateHTML()
	body := []byte(html)
	response := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(body))
	h.conn.Write([]byte(response))
	h.conn.Write(body)
}

func (h *Handler) sendError(code int, msg string) {
	response := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\n%s", code, msg, msg)
	h.conn.Write([]byte(response))
}

// handleTunnel dials the origin and, on success, pumps bytes bidirectionally
// until one side closes or neither side has sent anything for
// tunnelIdleTimeout.
//
// Deliberate deviation from original_source/proxy_handler.py (see DESIGN.md
// pkg/handler entry): TUNNEL_OK is logged once, immediately after the dial
// succeeds and the 200 response is written, and not at all if the dial
// fails — the original logs it unconditionally after the tunnel has already
// closed, even on a failed dial, which this implementation treats as a bug
// rather than a behavior to preserve.
func (h *Handler) handleTunnel(method, host string, port int) {
	remote, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), time.Duration(h.cfg.ConnectTimeout)*time.Second)
	if err != nil {
		return
	}
	defer remote.Close()

	if _, err := h.conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	h.logger.Log(h.clientIP, method, host, 200, "TUNNEL_OK")
	h.stats.AddLog(h.clientIP, method, host, 200, "TUNNEL_OK")

	pump(h.conn, remote, h.cfg.BufferSize)
}

// pump copies bytes between a and b in both directions until one side
// errors, closes, or both sides have been idle for tunnelIdleTimeout. It
// blocks until the tunnel is fully torn down.
func pump(a, b net.Conn, bufSize int) {
	done := make(chan struct{}, 2)
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	copyDirection := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, bufSize)
		for {
			src.SetReadDeadline(time.Now().Add(tunnelIdleTimeout))
			n, err := src.Read(buf)
			if n > 0 {
				lastActivity.Store(time.Now().UnixNano())
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				// A read timeout on this side ends the tunnel only once the
				// other side has been idle for tunnelIdleTimeout as well.
				if ne, ok := err.(net.Error); ok && ne.Timeout() &&
					time.Since(time.Unix(0, lastActivity.Load())) < tunnelIdleTimeout {
					continue
				}
				return
			}
		}
	}

	go copyDirection(b, a)
	go copyDirection(a, b)

	<-done
	a.Close()
	b.Close()
	<-done
}

func (h *Handler) handleForward(method, url, host string, port int, request []byte) {
	if h.cfg.CacheEnabled {
		if entry, ok := h.cache.Get(url); ok {
			if h.checkConditional(host, port, url, entry) {
				h.conn.Write(entry.Body)
				h.logger.Log(h.clientIP, method, url, 200, "CACHE_HIT")
				h.stats.RecordHit()
				h.stats.AddLog(h.clientIP, method, url, 304, "CACHE_HIT")
				return
			}
			h.logger.Log(h.clientIP, method, url, 200, "CACHE_EXPIRED")
		}
	}

	remote, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), time.Duration(h.cfg.ConnectTimeout)*time.Second)
	if err != nil {
		h.sendError(502, err.Error())
		return
	}
	defer remote.Close()

	if _, err := remote.Write(request); err != nil {
		h.sendError(502, err.Error())
		return
	}

	var accumulated bytes.Buffer
	buf := make([]byte, h.cfg.BufferSize)
	for {
		n, err := remote.Read(buf)
		if n > 0 {
			accumulated.Write(buf[:n])
			h.conn.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	headers := parseHeaders(accumulated.Bytes())
	if h.cfg.CacheEnabled {
		h.cache.Save(url, accumulated.Bytes(), headers)
	}

	h.logger.Log(h.clientIP, method, url, 200, "CACHE_MISS")
	h.stats.RecordMiss()
	h.stats.AddLog(h.clientIP, method, url, 200, "CACHE_MISS")
}

// checkConditional issues a HEAD request carrying the cached entry's
// validators and reports whether the origin confirmed the cached body is
// still fresh (a literal "304 Not Modified" substring in the response).
func (h *Handler) checkConditional(host string, port int, url string, entry cache.Entry) bool {
	etag, hasETag := entry.Headers["ETag"]
	lastMod, hasLastMod := entry.Headers["Last-Modified"]
	if !hasETag && !hasLastMod {
		return false
	}

	remote, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), time.Duration(h.cfg.ConnectTimeout)*time.Second)
	if err != nil {
		return false
	}
	defer remote.Close()

	path := url
	prefix := "http://" + host
	if strings.HasPrefix(url, prefix) {
		path = strings.TrimPrefix(url, prefix)
	}

	var req strings.Builder
	fmt.Fprintf(&req, "HEAD %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "Host: %s\r\n", host)
	req.WriteString("Connection: close\r\n")
	if hasETag {
		fmt.Fprintf(&req, "If-None-Match: %s\r\n", etag)
	}
	if hasLastMod {
		fmt.Fprintf(&req, "If-Modified-Since: %s\r\n", lastMod)
	}
	req.WriteString("\r\n")

	remote.SetDeadline(time.Now().Add(time.Duration(h.cfg.ConnectTimeout) * time.Second))
	if _, err := remote.Write([]byte(req.String())); err != nil {
		return false
	}

	buf := make([]byte, h.cfg.BufferSize)
	n, err := remote.Read(buf)
	if err != nil && n == 0 {
		return false
	}

	return bytes.Contains(buf[:n], []byte("304 Not Modified"))
}

func parseHeaders(data []byte) map[string]string {
	headers := make(map[string]string)
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	head := data
	if idx != -1 {
		head = data[:idx]
	}

	lines := strings.Split(string(head), "\r\n")
	if len(lines) <= 1 {
		return headers
	}
	for _, line := range lines[1:] {
		if sep := strings.Index(line, ": "); sep != -1 {
			headers[line[:sep]] = line[sep+2:]
		}
	}
	return headers
}
