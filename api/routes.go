// Package api wires the HTTP routes of the earnings service
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/arcanecrypto/earnings/api/apiadmin"
	"gitlab.com/arcanecrypto/earnings/api/apibalance"
	"gitlab.com/arcanecrypto/earnings/api/apierr"
	"gitlab.com/arcanecrypto/earnings/api/apievents"
	"gitlab.com/arcanecrypto/earnings/api/apiwithdrawals"
	"gitlab.com/arcanecrypto/earnings/api/auth"
	"gitlab.com/arcanecrypto/earnings/api/ratelimit"
	"gitlab.com/arcanecrypto/earnings/api/validation"
	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/db"
	"gitlab.com/arcanecrypto/earnings/ledger"
	"gitlab.com/arcanecrypto/earnings/metrics"
)

var log = build.AddSubLogger("APIS")

// Config is the configuration for our API
type Config struct {
	// AllowedOrigins are the origins browsers may call us from
	AllowedOrigins []string
	// EventSecret is the HMAC key collaborators sign events with
	EventSecret []byte
	// WithdrawalsPerMinute limits how often a single creator can request a
	// withdrawal. Zero disables the limit.
	WithdrawalsPerMinute float64
	WithdrawalBurst      int
}

// RestServer is the rest server for our app. It includes a Router, the
// ledger every route works on, and optionally the database the ledger is
// stored in
type RestServer struct {
	Router  *gin.Engine
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	db      *db.DB
	limiter *ratelimit.Limiter
}

func getCorsConfig(origins []string) cors.Config {
	conf := cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization"},
		MaxAge: 12 * time.Hour,
	}
	if len(origins) == 0 {
		conf.AllowAllOrigins = true
	}
	return conf
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus,
// collecting metrics and applying CORS configuration.
func getGinEngine(config Config, m *metrics.Metrics) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(build.GinLoggingMiddleWare(log, apievents.Paths))

	if m != nil {
		log.Debug("Applying metrics middleware")
		engine.Use(m.GinMiddleware())
	}

	log.Debug("Applying CORS middleware")
	engine.Use(cors.New(getCorsConfig(config.AllowedOrigins)))

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// NewApp creates a new app. The database is optional, and only used for
// reporting the migration status. Metrics are optional as well.
func NewApp(l *ledger.Ledger, m *metrics.Metrics, database *db.DB, config Config) (RestServer, error) {
	if l == nil {
		return RestServer{}, errors.New("ledger is nil")
	}
	if len(config.EventSecret) == 0 {
		return RestServer{}, errors.New("config.EventSecret is not set")
	}

	g := getGinEngine(config, m)

	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return RestServer{}, fmt.Errorf(
			"gin validator engine (%s) was not validator.Validate",
			binding.Validator.Engine(),
		)
	}
	validators := validation.RegisterAllValidators(engine)
	log.Infof("Registered custom validators: %s", validators)

	r := RestServer{
		Router:  g,
		ledger:  l,
		metrics: m,
		db:      database,
	}

	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	if m != nil {
		r.Router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	limit := func(*gin.Context) {}
	if config.WithdrawalsPerMinute > 0 {
		r.limiter = ratelimit.New(config.WithdrawalsPerMinute, config.WithdrawalBurst)
		limit = r.limiter.Middleware(userKey)
	}

	authMiddleware := auth.GetMiddleware()
	apibalance.RegisterRoutes(r.Router, l, authMiddleware)
	apiwithdrawals.RegisterRoutes(r.Router, l, authMiddleware, limit)
	apiadmin.RegisterRoutes(r.Router, l, authMiddleware)
	apievents.RegisterRoutes(r.Router, l, config.EventSecret)
	r.registerInfoRoute(authMiddleware)

	return r, nil
}

// StartBackgroundJobs starts the jobs the server needs while running,
// until stop is closed
func (r *RestServer) StartBackgroundJobs(stop <-chan struct{}) {
	if r.limiter != nil {
		r.limiter.StartCleanup(10*time.Minute, stop)
	}
}

// userKey rate limits by authenticated user
func userKey(c *gin.Context) string {
	id, ok := auth.UserID(c)
	if !ok {
		return ""
	}
	return strconv.Itoa(id)
}

// registerInfoRoute registers a route reporting the version we're running
// and the state of the database schema
func (r *RestServer) registerInfoRoute(authMiddleware gin.HandlerFunc) {
	getInfo := func(c *gin.Context) {
		info := gin.H{"version": build.Version()}
		if r.db != nil {
			migrationStatus, err := r.db.MigrationStatus()
			if err != nil {
				_ = c.Error(err)
				return
			}
			info["databaseMigrationStatus"] = migrationStatus
		}
		c.JSON(http.StatusOK, info)
	}

	r.Router.GET("/admin/info", authMiddleware, auth.RoleMiddleware(auth.Admin), getInfo)
}
