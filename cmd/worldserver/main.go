// Command worldserver runs the world server network and database core.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lcx/worldcore/config"
	"github.com/lcx/worldcore/db"
	_ "github.com/lcx/worldcore/db/mysql"
	"github.com/lcx/worldcore/log"
	"github.com/lcx/worldcore/metrics"
	corenet "github.com/lcx/worldcore/net"
	worldnet "github.com/lcx/worldcore/net/world"
	"github.com/lcx/worldcore/plugin"
	"github.com/lcx/worldcore/realm"
	"github.com/lcx/worldcore/world"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("worldserver", pflag.ContinueOnError)
	configDir := flags.StringP("config", "c", "./conf", "configuration directory")
	env := flags.StringP("env", "e", "", "configuration environment overlay, e.g. dev")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cm := config.GetInstance()
	defer config.ResetInstance()
	cm.SetBasePath(*configDir)
	if *env != "" {
		cm.SetEnvironment(*env)
	}

	if err := log.InitializeWithConfigManager(cm); err != nil {
		fmt.Fprintf(os.Stderr, "worldserver: logger: %v\n", err)
		return 1
	}
	logger := log.Category("server")

	if err := plugin.InitPlugins(cm); err != nil {
		logger.Error().Err(err).Msg("plugin setup failed")
		return 1
	}
	defer plugin.DestroyAll()

	var (
		netCfg   corenet.NetworkCfg
		worldCfg world.WorldCfg
		dbCfg    db.DatabaseCfg
	)
	for _, c := range []config.Config{&netCfg, &worldCfg, &dbCfg} {
		if err := cm.LoadConfig(c.GetName(), c); err != nil {
			logger.Error().Str("config", c.GetName()).Err(err).Msg("config load failed")
			return 1
		}
	}

	wc, err := world.NewContext(&worldCfg, &dbCfg, world.PluginEngines)
	if err != nil {
		logger.Error().Err(err).Msg("world context setup failed")
		return 1
	}
	defer wc.Close()
	wc.Updater.Start()

	sockets := corenet.NewSocketManager(
		worldnet.NewSocketFactory(wc.SocketDeps(netCfg.SendQueueSize)),
		corenet.WithNetworkCfg(&netCfg),
	)
	if err := sockets.StartNetwork(netCfg.BindIP, netCfg.Port, netCfg.Threads); err != nil {
		logger.Error().Err(err).Msg("network start failed")
		return 1
	}
	defer sockets.StopNetwork()
	cm.AddChangeListener(sockets)

	if worldCfg.MetricsAddr != "" {
		srv := serveMetrics(worldCfg.MetricsAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	if registry := registerRealm(cm, wc, sockets.Addr()); registry != nil {
		defer registry.Deregister()
	}

	logger.Info().Str("addr", sockets.Addr().String()).Int("threads", netCfg.Threads).Msg("world server ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("shutting down")
	return 0
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Category("server").Error().Str("addr", addr).Err(err).Msg("metrics endpoint failed")
		}
	}()
	return srv
}

// registerRealm announces the listener when the realm registry is enabled.
// Registration problems are logged, the server keeps running without it.
func registerRealm(cm config.ConfigManager, wc *world.Context, addr net.Addr) *realm.Registry {
	logger := log.Category("server")

	var cfg realm.RegistryCfg
	if err := cm.LoadConfig(realm.RegistryConfigName, &cfg); err != nil {
		logger.Warn().Err(err).Msg("realm registry config not loaded, not registering")
		return nil
	}
	if !cfg.Enabled {
		return nil
	}

	registry, err := realm.NewRegistry(&cfg)
	if err != nil {
		logger.Error().Err(err).Msg("realm registry setup failed")
		return nil
	}
	registry.SetPopulation(wc.Sessions.Count)

	tcp, _ := addr.(*net.TCPAddr)
	if tcp == nil {
		logger.Error().Msg("listener has no tcp address, not registering")
		return nil
	}
	if err := registry.Register(tcp.IP.String(), tcp.Port); err != nil {
		logger.Error().Err(err).Msg("realm registration failed")
		return nil
	}
	return registry
}
