package handler

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohsen-ahmadian/httpproxy/pkg/cache"
	"github.com/mohsen-ahmadian/httpproxy/pkg/config"
	"github.com/mohsen-ahmadian/httpproxy/pkg/filter"
	"github.com/mohsen-ahmadian/httpproxy/pkg/proxylog"
	"github.com/mohsen-ahmadian/httpproxy/pkg/stats"
)

func TestExtractHostPortFromHostHeader(t *testing.T) {
	req := []byte("GET /path HTTP/1.1\r\nHost: example.com:9999\r\n\r\n")
	host, port := extractHostPort(req, "/path", "GET")
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 9999, port)
}

func TestExtractHostPortFromAuthority(t *testing.T) {
	req := []byte("GET http://example.com/path HTTP/1.1\r\n\r\n")
	host, port := extractHostPort(req, "http://example.com/path", "GET")
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 80, port)
}

func TestExtractHostPortConnectDefaultsTo443(t *testing.T) {
	req := []byte("CONNECT example.com HTTP/1.1\r\n\r\n")
	host, port := extractHostPort(req, "example.com", "CONNECT")
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 443, port)
}

func TestExtractHostPortBadPortKeepsDefault(t *testing.T) {
	req := []byte("GET /path HTTP/1.1\r\nHost: example.com:notaport\r\n\r\n")
	host, port := extractHostPort(req, "/path", "GET")
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 80, port)
}

func newTestHandlerDeps(t *testing.T) (*config.Config, *cache.Cache, *filter.Filter, *stats.Stats, *proxylog.Logger) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SocketTimeout = 5
	cfg.ConnectTimeout = 2
	c := cache.New(10)
	f := filter.New(cfg.Blacklist, cfg.RateLimitCount, time.Duration(cfg.RateLimitPeriod)*time.Second)
	s := stats.New(cfg.RateLimitCount, cfg.RateLimitPeriod, nil)
	logPath := t.TempDir() + "/proxy.log"
	l, err := proxylog.New(logPath)
	require.NoError(t, err)
	return cfg, c, f, s, l
}

// dialProxyTarget splits an httptest server URL into the host and port the
// proxy must be told to dial.
func dialProxyTarget(t *testing.T, targetURL string) (string, int) {
	t.Helper()
	u := targetURL[len("http://"):]
	host, portStr, err := net.SplitHostPort(u)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// forwardRequestLine builds a raw HTTP/1.1 request line + Host header
// addressed at host:port, the authority form the proxy expects.
func forwardRequestLine(host string, port int) string {
	authority := net.JoinHostPort(host, strconv.Itoa(port))
	return fmt.Sprintf("GET http://%s/ HTTP/1.1\r\nHost: %s\r\n\r\n", authority, authority)
}

func TestHandleForwardCacheMiss(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The proxy forwards until the origin closes, so the origin must not
		// keep the connection alive.
		w.Header().Set("Connection", "close")
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(200)
		w.Write([]byte("hello world"))
	}))
	defer origin.Close()

	host, port := dialProxyTarget(t, origin.URL)
	cfg, c, f, s, l := newTestHandlerDeps(t)

	clientConn, serverConn := net.Pipe()
	h := New(serverConn, cfg, c, f, s, l)

	go h.Serve()

	req := forwardRequestLine(host, port)
	clientConn.SetDeadline(time.Now().Add(3 * time.Second))
	_, err := clientConn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200")

	// Counters are updated after the response is streamed; wait for the
	// handler to finish and close the connection before reading them.
	_, err = io.ReadAll(reader)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.CacheMisses)

	clientConn.Close()
}

func TestHandleForwardCacheHitViaHeadRevalidation(t *testing.T) {
	const etag = `"abc"`
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		if r.Method == http.MethodHead {
			w.Header().Set("ETag", etag)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		// Set the key directly: Header().Set would send it as "Etag", and the
		// proxy looks up cached validators by their exact "ETag" key.
		w.Header()["ETag"] = []string{etag}
		w.WriteHeader(200)
		w.Write([]byte("hello world")) // same body on every GET; staleness is irrelevant, only the ETag matters
	}))
	defer origin.Close()

	host, port := dialProxyTarget(t, origin.URL)
	cfg, c, f, s, l := newTestHandlerDeps(t)
	req := forwardRequestLine(host, port)

	// First request: cache miss, populates the cache with the ETag.
	clientConn1, serverConn1 := net.Pipe()
	h1 := New(serverConn1, cfg, c, f, s, l)
	go h1.Serve()

	clientConn1.SetDeadline(time.Now().Add(3 * time.Second))
	_, err := clientConn1.Write([]byte(req))
	require.NoError(t, err)
	body1, err := io.ReadAll(clientConn1)
	require.NoError(t, err)
	assert.Contains(t, string(body1), "200")

	// Second request: the cached ETag revalidates to 304, so the handler
	// replays the cached response verbatim instead of re-fetching it.
	clientConn2, serverConn2 := net.Pipe()
	h2 := New(serverConn2, cfg, c, f, s, l)
	go h2.Serve()

	clientConn2.SetDeadline(time.Now().Add(3 * time.Second))
	_, err = clientConn2.Write([]byte(req))
	require.NoError(t, err)
	body2, err := io.ReadAll(clientConn2)
	require.NoError(t, err)
	assert.Equal(t, body1, body2)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.CacheHits)
	require.NotEmpty(t, snap.Events)
	assert.Equal(t, 304, snap.Events[0].Status)
	assert.Equal(t, "CACHE_HIT", snap.Events[0].Result)
}

func TestHandleForwardDialFailureReturns502(t *testing.T) {
	// Grab a free port and close it immediately so the dial is refused.
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(lst.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.NoError(t, lst.Close())

	cfg, c, f, s, l := newTestHandlerDeps(t)
	cfg.ConnectTimeout = 1

	clientConn, serverConn := net.Pipe()
	h := New(serverConn, cfg, c, f, s, l)
	go h.Serve()

	clientConn.SetDeadline(time.Now().Add(3 * time.Second))
	_, err = clientConn.Write([]byte(forwardRequestLine(host, port)))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "502")
}

func TestHandleBlacklistedHostReturns403(t *testing.T) {
	cfg, c, _, s, l := newTestHandlerDeps(t)
	f := filter.New([]string{"blocked.test"}, cfg.RateLimitCount, time.Duration(cfg.RateLimitPeriod)*time.Second)

	clientConn, serverConn := net.Pipe()
	h := New(serverConn, cfg, c, f, s, l)
	go h.Serve()

	req := "GET http://blocked.test/path HTTP/1.1\r\nHost: blocked.test\r\n\r\n"
	clientConn.SetDeadline(time.Now().Add(3 * time.Second))
	_, err := clientConn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "403")

	// Counters are updated after the response is written; wait for the
	// handler to close the connection before reading them.
	_, err = io.ReadAll(reader)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.Blocked)
}

func TestHandleRateLimitedReturns429(t *testing.T) {
	cfg, c, _, s, l := newTestHandlerDeps(t)
	f := filter.New(cfg.Blacklist, 0, time.Duration(cfg.RateLimitPeriod)*time.Second)

	clientConn, serverConn := net.Pipe()
	h := New(serverConn, cfg, c, f, s, l)
	go h.Serve()

	req := "GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"
	clientConn.SetDeadline(time.Now().Add(3 * time.Second))
	_, err := clientConn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "429")

	// Counters are updated after the response is written; wait for the
	// handler to close the connection before reading them.
	_, err = io.ReadAll(reader)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.RateLimited)
}

func TestHandleConnectTunnelPumpsBothDirections(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()

	go func() {
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	host, portStr, err := net.SplitHostPort(origin.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg, c, f, s, l := newTestHandlerDeps(t)
	clientConn, serverConn := net.Pipe()
	h := New(serverConn, cfg, c, f, s, l)
	go h.Serve()

	clientConn.SetDeadline(time.Now().Add(3 * time.Second))
	connectReq := fmt.Sprintf("CONNECT %s:%d HTTP/1.1\r\n\r\n", host, port)
	_, err = clientConn.Write([]byte(connectReq))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	statusLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, statusLine, "200")
	_, err = reader.ReadString('\n') // blank line terminating the CONNECT response
	require.NoError(t, err)

	_, err = clientConn.Write([]byte("ping"))
	require.NoError(t, err)

	echoed := make([]byte, 4)
	_, err = io.ReadFull(reader, echoed)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echoed))

	clientConn.Close()
}

func TestHandleProxyStatsDashboard(t *testing.T) {
	cfg, c, f, s, l := newTestHandlerDeps(t)

	clientConn, serverConn := net.Pipe()
	h := New(serverConn, cfg, c, f, s, l)
	go h.Serve()

	req := "GET http://proxy-stats/ HTTP/1.1\r\nHost: proxy-stats\r\n\r\n"
	clientConn.SetDeadline(time.Now().Add(3 * time.Second))
	_, err := clientConn.Write([]byte(req))
	require.NoError(t, err)

	body, err := io.ReadAll(clientConn)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Proxy Server Monitor")
}
