package rendezvous

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veiltalk/veiltalk-node/pkg/crypto"
)

// ServerConfig holds rendezvous server configuration.
type ServerConfig struct {
	Port            int
	ClientTimeout   time.Duration
	CleanupInterval time.Duration
	TimestampSkew   time.Duration
	MaxPending      int
	Logger          *log.Logger
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            7750,
		ClientTimeout:   32 * time.Second,
		CleanupInterval: 10 * time.Second,
		TimestampSkew:   30 * time.Second,
		MaxPending:      32,
	}
}

// registration is one live client record. pending holds introductions
// queued for the client until its next poll.
type registration struct {
	key      crypto.PublicKey
	endpoint string
	lastSeen time.Time
	pending  []Introduction
}

// Server is the rendezvous HTTP server. State is a single in-memory
// table; registrations that stop refreshing fall out after
// ClientTimeout.
type Server struct {
	cfg    *ServerConfig
	router *gin.Engine
	log    *log.Logger

	mu     sync.Mutex
	peers  map[crypto.Address]*registration
	nonces map[string]time.Time

	httpServer *http.Server
}

// NewServer creates a rendezvous server.
func NewServer(cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		router: router,
		log:    cfg.Logger,
		peers:  make(map[crypto.Address]*registration),
		nonces: make(map[string]time.Time),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/register", s.handleRegister)
		v1.POST("/introduce", s.handleIntroduce)
		v1.POST("/poll", s.handlePoll)
	}
	s.router.GET("/health", s.handleHealth)
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start runs the HTTP server and the expiry sweeper until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.sweepLoop(ctx)
	go func() {
		s.log.Printf("rendezvous: listening on port %d", s.cfg.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Printf("rendezvous: server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep drops registrations that have not refreshed within ClientTimeout.
func (s *Server) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, reg := range s.peers {
		if now.Sub(reg.lastSeen) > s.cfg.ClientTimeout {
			s.log.Printf("rendezvous: expiring %s", addr)
			delete(s.peers, addr)
		}
	}
	// Spent nonces only need to outlive the timestamp window.
	for n, seen := range s.nonces {
		if now.Sub(seen) > 2*s.cfg.TimestampSkew {
			delete(s.nonces, n)
		}
	}
}

// PeerCount reports the number of live registrations.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// verify checks the request signature and timestamp freshness, returning
// the decoded key. A nil error means the caller controls the key.
func (s *Server) verify(action, keyB64, nonceB64, sigB64 string, timestamp int64) (crypto.PublicKey, error) {
	key, err := decodeKey(keyB64)
	if err != nil {
		return key, err
	}
	d := time.Since(time.UnixMilli(timestamp))
	if d < 0 {
		d = -d
	}
	if d > s.cfg.TimestampSkew {
		return key, fmt.Errorf("timestamp outside acceptance window")
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) == 0 {
		return key, fmt.Errorf("invalid nonce")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return key, crypto.ErrInvalidSignature
	}
	if !crypto.Verify(key, SignPayload(action, nonce, timestamp), sig) {
		return key, crypto.ErrInvalidSignature
	}
	// A valid signature is still rejected when its nonce was already
	// spent, otherwise a captured request replays cleanly inside the
	// timestamp window.
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.nonces[string(nonce)]; seen {
		return key, fmt.Errorf("nonce already used")
	}
	s.nonces[string(nonce)] = time.Now()
	return key, nil
}

// observedEndpoint pairs the source IP of the HTTP connection with the
// UDP port the client claims to listen on.
func observedEndpoint(c *gin.Context, port int) (string, error) {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil
}

// handleRegister handles POST /api/v1/register.
func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid port"})
		return
	}
	key, err := s.verify("register", req.PublicKey, req.Nonce, req.Signature, req.Timestamp)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "verification failed", Message: err.Error()})
		return
	}
	endpoint, err := observedEndpoint(c, req.Port)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid remote address"})
		return
	}

	addr := crypto.AddressOf(key)
	s.mu.Lock()
	reg, ok := s.peers[addr]
	if !ok {
		reg = &registration{key: key}
		s.peers[addr] = reg
	}
	reg.endpoint = endpoint
	reg.lastSeen = time.Now()
	s.mu.Unlock()

	c.JSON(http.StatusOK, RegisterResponse{
		Address:   addr.String(),
		Endpoint:  endpoint,
		ExpiresIn: s.cfg.ClientTimeout.Milliseconds(),
	})
}

// handleIntroduce handles POST /api/v1/introduce.
func (s *Server) handleIntroduce(c *gin.Context) {
	var req IntroduceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	key, err := s.verify("introduce", req.PublicKey, req.Nonce, req.Signature, req.Timestamp)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "verification failed", Message: err.Error()})
		return
	}
	target, err := crypto.ParseAddress(req.Target)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid target address"})
		return
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.peers[crypto.AddressOf(key)]
	if !ok {
		c.JSON(http.StatusGone, ErrorResponse{Error: "registration expired", Message: "register before introducing"})
		return
	}
	from.lastSeen = now

	reg, ok := s.peers[target]
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "peer not found"})
		return
	}
	if now.Sub(reg.lastSeen) > s.cfg.ClientTimeout {
		c.JSON(http.StatusGone, ErrorResponse{Error: "peer registration expired"})
		return
	}
	if len(reg.pending) < s.cfg.MaxPending {
		reg.pending = append(reg.pending, Introduction{
			PublicKey: encodeKey(key),
			Endpoint:  from.endpoint,
		})
	}

	c.JSON(http.StatusOK, IntroduceResponse{
		PublicKey: encodeKey(reg.key),
		Endpoint:  reg.endpoint,
	})
}

// handlePoll handles POST /api/v1/poll.
func (s *Server) handlePoll(c *gin.Context) {
	var req PollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	key, err := s.verify("poll", req.PublicKey, req.Nonce, req.Signature, req.Timestamp)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "verification failed", Message: err.Error()})
		return
	}

	s.mu.Lock()
	reg, ok := s.peers[crypto.AddressOf(key)]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusGone, ErrorResponse{Error: "registration expired", Message: "register before polling"})
		return
	}
	reg.lastSeen = time.Now()
	intros := reg.pending
	reg.pending = nil
	s.mu.Unlock()

	c.JSON(http.StatusOK, PollResponse{Introductions: intros})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"peers":  s.PeerCount(),
	})
}
