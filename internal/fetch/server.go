package fetch

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opencred/oauth-broker/internal/account"
	"github.com/opencred/oauth-broker/internal/broker"
)

// Server exposes the orchestrator as the one HTTP surface this module owns:
// a reverse-proxy endpoint the client's existing chat-completions traffic
// points at instead of the upstream directly.
type Server struct {
	orch       *Orchestrator
	upstream   string
	mode       account.Mode
	pidOffset  bool
	pid        int
	isSubagent func(*gin.Context) bool
	// OnResponse, if set, observes every attempt's response (retried 429s included)
	// alongside the credential used and the decoded model family -- the
	// hook the snapshot store attaches to, without this package needing to
	// import it.
	OnResponse func(mode account.Mode, cred broker.AcquireResult, resp *http.Response, modelFamily string)
}

// NewServer builds a Server proxying every request to upstream.
func NewServer(orch *Orchestrator, upstream string, mode account.Mode, pidOffset bool, pid int) *Server {
	return &Server{orch: orch, upstream: upstream, mode: mode, pidOffset: pidOffset, pid: pid}
}

// Register wires the proxy route onto an existing gin engine or group.
func (s *Server) Register(r gin.IRouter) {
	r.Any("/v1/*path", s.handle)
}

func (s *Server) handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	isSubagent := false
	if s.isSubagent != nil {
		isSubagent = s.isSubagent(c)
	}

	var hooks Hooks
	if s.OnResponse != nil {
		hooks.OnAttemptResponse = func(_ int, cred broker.AcquireResult, resp *http.Response, modelFamily string) {
			s.OnResponse(s.mode, cred, resp, modelFamily)
		}
	}

	resp, err := s.orch.Execute(c.Request.Context(), Input{
		Mode:       s.mode,
		Method:     c.Request.Method,
		URL:        s.upstream + c.Request.URL.Path,
		Body:       body,
		Headers:    c.Request.Header.Clone(),
		IsSubagent: isSubagent,
		PidOffset:  s.pidOffset,
		Pid:        s.pid,
	}, hooks)
	if err != nil && resp == nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	_, _ = io.Copy(c.Writer, resp.Body)
}
