// Package webserver is the static/API webserver collaborator referenced
// by spec §4.6 as out of scope for the daemon's own protocol handling:
// an HTTP request line arriving on a client socket is delegated here
// instead of being rejected, grounded on the teacher's gin router setup
// in cmd/js8d/daemon.go's setupWebServer.
package webserver

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/n0call/rfbridged/pkg/monitor"
)

// StatusSource supplies the fields the status endpoint reports; the
// engine implements it.
type StatusSource interface {
	Status() map[string]interface{}
}

// ConfigSource supplies the current config snapshot for the config
// endpoint, reusing the same shape session.Manager.ConfigSnapshot
// sends to CONTROLLER/NODE clients.
type ConfigSource interface {
	ConfigSnapshot() json.RawMessage
}

// Server is the gin-backed HTTP surface: a small status/config API
// plus a Prometheus /metrics endpoint, reachable both as a normal
// net/http.Server and as the session.HTTPDelegate a bare TCP client
// gets handed off to when its first line looks like an HTTP request.
type Server struct {
	router *gin.Engine
	Status StatusSource
	Config ConfigSource
	Gauges *monitor.Gauges
}

// NewServer builds the router with routes wired but not yet listening.
func NewServer(status StatusSource, config ConfigSource, gauges *monitor.Gauges) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	s := &Server{router: router, Status: status, Config: config, Gauges: gauges}

	router.GET("/api/v1/status", s.handleStatus)
	router.GET("/api/v1/config", s.handleConfig)
	if gauges != nil {
		router.GET("/metrics", gin.WrapH(gauges.Handler()))
	}

	return s
}

// Handler exposes the router as a plain http.Handler for ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HandleFunc mounts an additional plain http.HandlerFunc route, used to
// wire session.Manager.ServeWebSocket onto the configured websocket
// path alongside the gin API routes.
func (s *Server) HandleFunc(path string, h http.HandlerFunc) {
	s.router.GET(path, gin.WrapF(h))
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.Status == nil {
		c.JSON(http.StatusOK, gin.H{"status": "running"})
		return
	}
	c.JSON(http.StatusOK, s.Status.Status())
}

func (s *Server) handleConfig(c *gin.Context) {
	if s.Config == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "config not available"})
		return
	}
	c.Data(http.StatusOK, "application/json", s.Config.ConfigSnapshot())
}

// Serve implements session.HTTPDelegate: the caller has already read
// firstLine off conn as part of the line-oriented client protocol
// scanner, so the request line is stitched back on before handing the
// rest of the stream to net/http's request parser. One request per
// connection, matching spec §4.6's "session is closed after one reply".
func (s *Server) Serve(conn net.Conn, firstLine string) {
	defer conn.Close()

	reader := bufio.NewReader(io.MultiReader(strings.NewReader(firstLine+"\r\n"), conn))
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}
	req.RemoteAddr = conn.RemoteAddr().String()

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	resp := rec.Result()
	resp.Write(conn)
}
