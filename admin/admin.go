// Package admin serves read-only loop statistics over HTTP.
package admin

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/moqsien/gkreactor/iface"
)

type Admin struct {
	*gin.Engine
	statser iface.IStatser
	mu      sync.Mutex
	server  *http.Server
}

type loopsResponse struct {
	Connections int32            `json:"connections"`
	Loops       []iface.LoopStat `json:"loops"`
}

func New(statser iface.IStatser) *Admin {
	a := &Admin{Engine: gin.New(), statser: statser}
	a.Use(gin.Recovery())
	a.GET("/healthz", a.healthz)
	a.GET("/loops", a.loops)
	return a
}

func (that *Admin) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (that *Admin) loops(c *gin.Context) {
	resp := loopsResponse{Loops: that.statser.Stats()}
	for _, st := range resp.Loops {
		resp.Connections += st.Connections
	}
	c.JSON(http.StatusOK, resp)
}

// Serve serves on ln until Close.
func (that *Admin) Serve(ln net.Listener) error {
	that.mu.Lock()
	if that.server == nil {
		that.server = &http.Server{Handler: that.Engine}
	}
	srv := that.server
	that.mu.Unlock()
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the TCP address addr and serves until Close.
func (that *Admin) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return that.Serve(ln)
}

func (that *Admin) Close() error {
	that.mu.Lock()
	defer that.mu.Unlock()
	if that.server == nil {
		return nil
	}
	return that.server.Close()
}
