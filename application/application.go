package application

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/iris-garden-go/internal/auth"
	"github.com/lk2023060901/iris-garden-go/internal/presence"
	"github.com/lk2023060901/iris-garden-go/internal/realtime"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/bridge"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/broadcast"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/gate"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/room"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/session"
	"github.com/lk2023060901/iris-garden-go/pkg/log"
	"github.com/lk2023060901/iris-garden-go/pkg/metrics"
	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
	zviper "github.com/lk2023060901/iris-garden-go/pkg/util/viper"
)

// Config 为服务的完整配置树，对应 config.yaml 的顶层结构。
type Config struct {
	Server struct {
		// Addr 为 HTTP 监听地址，默认 ":8080"。
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Auth struct {
		// Secret 为接入令牌的 HS256 签名密钥，必填。
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`

	Session session.Config `mapstructure:"session"`

	Bridge struct {
		// Enabled 控制是否接入跨进程桥接，单实例部署置 false。
		Enabled        bool          `mapstructure:"enabled"`
		URL            string        `mapstructure:"url"`
		SubjectPrefix  string        `mapstructure:"subject-prefix"`
		PoolSize       int           `mapstructure:"pool-size"`
		ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
	} `mapstructure:"bridge"`

	Presence struct {
		// Backend 可选 memory 或 badger。
		Backend string `mapstructure:"backend"`
		// Path 为 badger 后端的数据目录。
		Path string `mapstructure:"path"`
	} `mapstructure:"presence"`

	Log log.Config `mapstructure:"log"`
}

func (c *Config) withDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Presence.Backend == "" {
		c.Presence.Backend = "memory"
	}
	if c.Presence.Path == "" {
		c.Presence.Path = "./data/presence"
	}
}

// Application 为服务的运行时容器，持有配置并装配全部依赖。
type Application struct {
	cfg      Config
	instance string
	closers  []func()
}

// New 创建一个尚未装配的 Application。
func New() *Application {
	return &Application{instance: uuid.NewString()}
}

// Run 为服务入口：加载配置、初始化日志、装配依赖并阻塞服务，
// 直到 ctx 被取消后优雅退出。
//
// 配置文件路径的解析优先级：
//  1. 默认：./config.yaml
//  2. 环境变量：IRIS_CONFIG_FILE_PATH
//  3. 命令行：--config <path> 或 --config=<path>
func (a *Application) Run(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if err := a.initLogging(); err != nil {
		return err
	}
	defer a.close()

	srv, err := a.assemble(ctx)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("service starting",
		zap.String("addr", a.cfg.Server.Addr),
		zap.String("instance", a.instance))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	err = eg.Wait()

	// Shutdown 对被劫持的 websocket 连接不生效，监听停止后还需
	// 显式排空活跃会话，离线状态才能在存储关闭前落盘。
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(drainCtx)
	return err
}

// loadConfig 解析配置文件路径并经 viper 加载。
func (a *Application) loadConfig() error {
	path := "./config.yaml"
	if envPath := os.Getenv("IRIS_CONFIG_FILE_PATH"); envPath != "" {
		path = envPath
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return merr.WrapErrParameterMissing("--config")
			}
			path = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			if val := strings.TrimPrefix(arg, "--config="); val != "" {
				path = val
			}
		}
	}

	cfg := zviper.New()
	if err := cfg.LoadFile(path); err != nil {
		return merr.WrapErrParameterInvalidMsg("load config file %q: %v", path, err)
	}
	if err := cfg.Unmarshal(&a.cfg); err != nil {
		return merr.WrapErrParameterInvalidMsg("parse config file %q: %v", path, err)
	}
	a.cfg.withDefaults()

	if a.cfg.Auth.Secret == "" {
		return merr.WrapErrParameterMissing("auth.secret")
	}
	return nil
}

// initLogging 依据 log 配置段初始化全局 Logger。
func (a *Application) initLogging() error {
	lg, level, err := log.InitLogger(&a.cfg.Log)
	if err != nil {
		return err
	}
	log.ReplaceGlobals(lg, level)
	return nil
}

// assemble 装配实时服务的全部依赖。
func (a *Application) assemble(ctx context.Context) (*realtime.Server, error) {
	metrics.Register(prometheus.DefaultRegisterer)

	registry := session.NewRegistry()
	rooms := room.NewIndex()
	engine := broadcast.NewEngine(registry, rooms, nil)
	a.closers = append(a.closers, engine.Close)

	engine.UseStrategy(a.buildStrategy(ctx, engine))

	store, err := a.buildPresence()
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = store.Close() })

	g := gate.NewGate(auth.NewJWTVerifier(a.cfg.Auth.Secret), nil)
	return realtime.NewServer(g, registry, rooms, engine, store, a.cfg.Session), nil
}

// buildStrategy 按配置选定扇出策略。桥接建连或订阅失败不阻止启动，
// 退化为纯本地扇出。
func (a *Application) buildStrategy(ctx context.Context, engine *broadcast.Engine) broadcast.Strategy {
	if !a.cfg.Bridge.Enabled {
		return broadcast.LocalOnly()
	}

	br, err := bridge.Connect(ctx, bridge.Config{
		URL:            a.cfg.Bridge.URL,
		Name:           "iris-" + a.instance,
		ConnectTimeout: a.cfg.Bridge.ConnectTimeout,
	})
	if err != nil {
		log.Warn("bridge unavailable, local-only fan-out", zap.Error(err))
		return broadcast.LocalOnly()
	}
	a.closers = append(a.closers, br.Close)

	strategy, err := broadcast.Bridged(br, a.instance, broadcast.BridgedConfig{
		SubjectPrefix: a.cfg.Bridge.SubjectPrefix,
		PoolSize:      a.cfg.Bridge.PoolSize,
	}, engine.DeliverRemote)
	if err != nil {
		log.Warn("bridged fan-out unavailable, local-only fan-out", zap.Error(err))
		return broadcast.LocalOnly()
	}
	return strategy
}

func (a *Application) buildPresence() (presence.Store, error) {
	switch a.cfg.Presence.Backend {
	case "badger":
		return presence.OpenBadgerStore(a.cfg.Presence.Path)
	case "memory":
		return presence.NewMemoryStore(), nil
	default:
		return nil, merr.WrapErrParameterInvalidMsg(
			"unknown presence backend %q", a.cfg.Presence.Backend)
	}
}

// close 逆序释放装配出的资源。
func (a *Application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = log.Sync()
}
