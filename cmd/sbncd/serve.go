package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	sbnc "github.com/gunnarbeutner/sbncng"
	"github.com/gunnarbeutner/sbncng/directory"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the bouncer",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg *config) error {
	logger := log.New(log.Writer(), "", log.LstdFlags)

	svc, err := directory.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer svc.Close()

	proxy := sbnc.NewProxy(logger, svc.Root())

	fmt.Printf("sbncng (%s) - an object-oriented IRC bouncer\n", version)

	ui := sbnc.NewUIPlugin(proxy)
	sbnc.NewAwayCommandPlugin(proxy)
	sbnc.NewAdminCommandPlugin(proxy, ui)
	sbnc.NewQueryLogPlugin(proxy, ui, cfg.QueryLogDir)

	if err := proxy.Run(); err != nil {
		return err
	}

	addr := cfg.Listen
	if addr == "" {
		addr = listenerAddress(svc.Root())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %v", addr, err)
	}
	logger.Printf("listening on %q", addr)

	go func() {
		if err := proxy.Serve(ln); err != nil {
			logger.Printf("serve: %v", err)
		}
	}()

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Printf("serving metrics on %q", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.Printf("metrics: %v", err)
			}
		}()
	}

	if cf := viper.ConfigFileUsed(); cf != "" {
		go watchConfig(logger, cf)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Printf("shutting down")
	ln.Close()
	proxy.Stop()

	return nil
}

// listenerAddress reads the listener_address attribute from the config
// root, writing the default on first run.
func listenerAddress(root *directory.Node) string {
	value := root.GetDefault("listener_address", []interface{}{"0.0.0.0", 9000})

	addr, ok := value.([]interface{})
	if !ok || len(addr) != 2 {
		return "0.0.0.0:9000"
	}

	host, _ := addr[0].(string)
	port := 9000
	switch p := addr[1].(type) {
	case float64:
		port = int(p)
	case int:
		port = p
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

// watchConfig notes config file changes; the static config is only
// read at startup, so a restart is needed to apply them.
func watchConfig(logger *log.Logger, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("failed to watch config file: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		logger.Printf("failed to watch config file: %v", err)
		return
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				logger.Printf("config file %q changed; restart to apply", path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Printf("config watcher: %v", err)
		}
	}
}
