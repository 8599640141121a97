package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/moshvm/mvm/api"
	"github.com/moshvm/mvm/core"
	"github.com/moshvm/mvm/storage"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	fs := pflag.NewFlagSet("mvmnode", pflag.ExitOnError)
	cfgPath := fs.String("config", "", "TOML config file")
	apiAddr := fs.String("api", ":8545", "api listen address")
	logLevel := fs.String("log-level", "info", "debug|info|warn|error")
	fs.Parse(os.Args[1:])

	v := viper.New()
	v.SetConfigType("toml")
	if err := v.BindPFlags(fs); err != nil {
		panic(err)
	}
	cfg := core.DefaultConfig()
	if *cfgPath != "" {
		v.SetConfigFile(*cfgPath)
		if err := v.ReadInConfig(); err != nil {
			panic(err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			panic(err)
		}
	}

	log := newLogger(v.GetString("log-level"), *logLevel)
	defer log.Sync()

	db, err := storage.Open(filepath.Join(cfg.DataDir, "chain"), log)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer db.Close()

	node, err := core.NewChainNode(cfg, db, log, clockwork.NewRealClock())
	if err != nil {
		log.Fatal("failed to start node", zap.Error(err))
	}
	log.Info("node ready",
		zap.String("chain_id", cfg.ChainID),
		zap.String("authority", core.EncodeAddress(node.Authority())))

	srv := api.NewServer(node, log)
	go func() {
		if err := srv.Run(*apiAddr); err != nil {
			log.Fatal("api server failed", zap.Error(err))
		}
	}()

	go node.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	node.Stop()
}

func newLogger(levels ...string) *zap.Logger {
	lvl := zapcore.InfoLevel
	for _, s := range levels {
		if s == "" {
			continue
		}
		if parsed, err := zapcore.ParseLevel(s); err == nil {
			lvl = parsed
		}
		break
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}
