package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/inbox"
	"github.com/deemkeen/stegofed/metrics"
	"github.com/deemkeen/stegofed/util"
)

const (
	contentTypeActivity = "application/activity+json; charset=utf-8"
	contentTypeJRD      = "application/jrd+json; charset=utf-8"
	signerKey           = "signer"
	accountKey          = "account"
)

// SignatureVerifier checks the HTTP signature of a request.
type SignatureVerifier interface {
	Verify(ctx context.Context, req *activitypub.SignedRequest) (*activitypub.Signer, error)
}

// Outbox accepts client submitted activities.
type Outbox interface {
	Submit(ctx context.Context, acc *domain.Account, body []byte) (*activitypub.Submission, error)
}

// Admitter queues inbound activities.
type Admitter interface {
	Admit(req *inbox.Request) (string, error)
}

// Server holds everything the HTTP handlers need.
type Server struct {
	conf        *util.AppConfig
	db          *db.DB
	inbox       Admitter
	outbox      Outbox
	verifier    SignatureVerifier
	metrics     *metrics.Metrics
	instanceKey string
	newswire    string
	limiter     *RateLimiter
	log         *zap.SugaredLogger
}

// Deps are the collaborators of a Server. Newswire may be empty.
type Deps struct {
	DB          *db.DB
	Inbox       Admitter
	Outbox      Outbox
	Verifier    SignatureVerifier
	Metrics     *metrics.Metrics
	InstanceKey string // public PEM of the instance actor
	Newswire    string // path of the rendered feed
}

func NewServer(conf *util.AppConfig, deps Deps, logger *zap.SugaredLogger) *Server {
	return &Server{
		conf:        conf,
		db:          deps.DB,
		inbox:       deps.Inbox,
		outbox:      deps.Outbox,
		verifier:    deps.Verifier,
		metrics:     deps.Metrics,
		instanceKey: deps.InstanceKey,
		newswire:    deps.Newswire,
		limiter:     NewRateLimiter(rate.Limit(conf.Conf.RateLimit), conf.Conf.RateBurst),
		log:         util.OrNop(logger),
	}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), LoggerMiddleware(s.log))

	signed := RequireSignature(s.conf.Conf.SecureMode, s.verifier, s.log)
	limited := RateLimitMiddleware(s.limiter)
	maxBody := MaxBytesMiddleware(s.conf.Conf.MaxPostBytes)

	read := g.Group("/", gzip.Gzip(gzip.DefaultCompression))
	read.GET("/.well-known/webfinger", s.handleWebfinger)
	read.GET("/actor", s.handleInstanceActor)
	read.GET("/users/:nick", signed, s.handleActor)
	read.GET("/users/:nick/outbox", signed, s.handleOutboxCollection)
	read.GET("/users/:nick/followers", signed, s.handleFollowers)
	read.GET("/users/:nick/following", signed, s.handleFollowing)
	read.GET("/newswire.xml", s.handleNewswire)
	read.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	g.POST("/inbox", limited, maxBody, s.handleInbox)
	g.POST("/sharedInbox", limited, maxBody, s.handleInbox)
	g.POST("/users/:nick/inbox", limited, maxBody, s.handleInbox)

	g.POST("/login", limited, s.handleLogin)
	g.POST("/users/:nick/outbox", limited, s.authenticate, s.handleOutboxPost)

	return g
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.conf.Conf.Host, s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.limiter.Cleanup(ctx, 5*time.Minute)

	errc := make(chan error, 1)
	go func() {
		s.log.Infow("HTTP: listening", "addr", addr, "domain", s.conf.Conf.Domain)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Infow("HTTP: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// writeActivity renders v as an ActivityStreams document.
func writeActivity(c *gin.Context, code int, v any) {
	writeJSON(c, code, contentTypeActivity, v)
}
