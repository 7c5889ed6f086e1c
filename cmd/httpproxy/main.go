// Command httpproxy runs the forwarding proxy and its admin/observability
// server.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mohsen-ahmadian/httpproxy/pkg/admin"
	"github.com/mohsen-ahmadian/httpproxy/pkg/applog"
	"github.com/mohsen-ahmadian/httpproxy/pkg/cache"
	"github.com/mohsen-ahmadian/httpproxy/pkg/config"
	"github.com/mohsen-ahmadian/httpproxy/pkg/filter"
	"github.com/mohsen-ahmadian/httpproxy/pkg/handler"
	"github.com/mohsen-ahmadian/httpproxy/pkg/metrics"
	"github.com/mohsen-ahmadian/httpproxy/pkg/proxylog"
	"github.com/mohsen-ahmadian/httpproxy/pkg/stats"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	hostOverride := flag.String("host", "", "override the listen host")
	portOverride := flag.Int("port", 0, "override the listen port")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[!] Config error: %v\n", err)
		os.Exit(1)
	}
	if *hostOverride != "" {
		cfg.Host = *hostOverride
	}
	if *portOverride != 0 {
		cfg.Port = *portOverride
	}

	log := applog.New(applog.DefaultConfig())
	applog.SetDefault(log)

	accessLog, err := proxylog.New(cfg.LogFile)
	if err != nil {
		log.Error("failed to open access log", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	c := cache.New(cfg.MaxCacheEntries)
	f := filter.New(cfg.Blacklist, cfg.RateLimitCount, time.Duration(cfg.RateLimitPeriod)*time.Second)
	collector := metrics.New()
	s := stats.New(cfg.RateLimitCount, cfg.RateLimitPeriod, collector)

	if *configPath != "" {
		watcher, err := config.Watch(*configPath, func(newCfg *config.Config) {
			f.SetBlacklist(newCfg.Blacklist)
			f.SetRateLimit(newCfg.RateLimitCount, time.Duration(newCfg.RateLimitPeriod)*time.Second)
			s.SetRateLimitParams(newCfg.RateLimitCount, newCfg.RateLimitPeriod)
			log.Info("configuration reloaded", map[string]interface{}{"path": *configPath})
		}, func(err error) {
			log.Warn("configuration reload failed", map[string]interface{}{"error": err.Error()})
		})
		if err != nil {
			log.Warn("config hot-reload disabled", map[string]interface{}{"error": err.Error()})
		} else {
			defer watcher.Close()
		}
	}

	if cfg.Admin.Enabled {
		adminServer := admin.New(s, collector, log)
		addr := net.JoinHostPort(cfg.Admin.Host, fmt.Sprintf("%d", cfg.Admin.Port))
		go func() {
			log.Info("admin server listening", map[string]interface{}{"addr": addr})
			if err := http.ListenAndServe(addr, adminServer.Handler()); err != nil {
				log.Error("admin server stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[!] Bind Error: %v\n", err)
		os.Exit(1)
	}
	defer listener.Close()

	fmt.Printf("         Proxy Running on %s\n", addr)
	fmt.Println("         Visit http://proxy-stats for Dashboard")

	// net.Listen has no direct equivalent of socket.listen(backlog), so
	// MAX_CONN is enforced here as a cap on concurrently served
	// connections instead of an accept-queue depth.
	slots := make(chan struct{}, cfg.MaxConn)

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Error("accept error", map[string]interface{}{"error": err.Error()})
			continue
		}
		slots <- struct{}{}
		h := handler.New(conn, cfg, c, f, s, accessLog)
		go func() {
			defer func() { <-slots }()
			h.Serve()
		}()
	}
}
