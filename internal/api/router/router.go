package router

import (
	"context"
	"net/http"

	"github.com/cuongbtq/remote-scheduler/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// CallbackRoute mounts the scheduler callback endpoint
type CallbackRoute interface {
	Register(r gin.IRoutes)
}

// Config holds everything the router wires together
type Config struct {
	ServiceName  string
	Handlers     *handler.Dependencies
	Callback     CallbackRoute
	HealthChecks map[string]HealthCheck
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(cfg *Config) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(cfg.Handlers.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(cfg.ServiceName, cfg.HealthChecks))

	if cfg.Callback != nil {
		cfg.Callback.Register(r)
	}

	jobHandler := handler.NewJobHandler(cfg.Handlers)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Accept a job for remote dispatch
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List dispatch records
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get one dispatch record
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		// GET /api/v1/queues/:connection/size - Remote queue size
		v1.GET("/queues/:connection/size", jobHandler.QueueSize)
	}

	return r
}

func healthHandler(service string, checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		results := make(gin.H, len(checks))
		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":  state,
			"service": service,
			"checks":  results,
		})
	}
}
