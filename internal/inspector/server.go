// Package inspector exposes the read-only query API of the VM: compiled-
// method tables, safepoint details and the compiler event ring, served as
// JSON snapshots over HTTP/3. Clients negotiate a protocol version checked
// against a semver constraint.
package inspector

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/quic-go/quic-go/http3"

	"github.com/vela-vm/vela/internal/compiler"
)

// ProtocolConstraint is the range of client protocol versions the server
// accepts.
const ProtocolConstraint = ">= 1.0.0, < 2.0.0"

// Options configure the inspector endpoint.
type Options struct {
	Addr            string
	TLS             *tls.Config
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
}

// Server serves snapshots for one compiler context.
type Server struct {
	ctx        *compiler.Context
	srv        *http3.Server
	constraint *semver.Constraints
	errC       chan error
	close      func() error
	addr       string
}

// MethodSummary is one row of the /methods listing.
type MethodSummary struct {
	ID          int32  `json:"id"`
	Name        string `json:"name"`
	CodeSize    int    `json:"codeSize"`
	FrameSize   int    `json:"frameSize"`
	Safepoints  int    `json:"safepoints"`
	CallSites   int    `json:"callSites"`
	Invalidated bool   `json:"invalidated"`
}

// MethodDetail extends the summary with per-safepoint data.
type MethodDetail struct {
	MethodSummary
	PrologueLen int    `json:"prologueLen"`
	Offsets     []int  `json:"safepointOffsets"`
	Description string `json:"description"`
}

// New creates a server for opts.Addr; Start binds the listener. TLS 1.3 is
// enforced as QUIC requires.
func New(ctx *compiler.Context, opts Options) *Server {
	tlsCfg := opts.TLS
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS13, NextProtos: []string{"h3"}}
	} else if tlsCfg.MinVersion < tls.VersionTLS13 {
		c := tlsCfg.Clone()
		c.MinVersion = tls.VersionTLS13
		if len(c.NextProtos) == 0 {
			c.NextProtos = []string{"h3"}
		}
		tlsCfg = c
	}

	constraint, err := semver.NewConstraint(ProtocolConstraint)
	if err != nil {
		panic("inspector: bad protocol constraint: " + err.Error())
	}

	s := &Server{
		ctx:        ctx,
		constraint: constraint,
		errC:       make(chan error, 1),
		addr:       opts.Addr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/methods", s.withProto(s.handleMethods))
	mux.HandleFunc("/methods/", s.withProto(s.handleMethod))
	mux.HandleFunc("/events", s.withProto(s.handleEvents))
	mux.HandleFunc("/counters", s.withProto(s.handleCounters))

	s.srv = &http3.Server{Addr: opts.Addr, TLSConfig: tlsCfg, Handler: mux}
	return s
}

// withProto rejects clients outside the accepted protocol range.
func (s *Server) withProto(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proto := r.URL.Query().Get("proto")
		if proto == "" {
			proto = "1.0.0"
		}
		v, err := semver.NewVersion(proto)
		if err != nil || !s.constraint.Check(v) {
			http.Error(w, "unsupported protocol version", http.StatusBadRequest)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleMethods(w http.ResponseWriter, _ *http.Request) {
	var out []MethodSummary
	for _, m := range s.ctx.Runtime.Methods() {
		out = append(out, MethodSummary{
			ID:          m.ID,
			Name:        m.Name,
			CodeSize:    len(m.Code),
			FrameSize:   m.FrameSize,
			Safepoints:  len(m.Safepoints),
			CallSites:   len(m.CallSites),
			Invalidated: m.Invalidated(),
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleMethod(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/methods/")
	id, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil {
		http.Error(w, "bad method id", http.StatusBadRequest)
		return
	}
	m := s.ctx.Runtime.Method(int32(id))
	if m == nil {
		http.Error(w, "no such method", http.StatusNotFound)
		return
	}
	d := MethodDetail{
		MethodSummary: MethodSummary{
			ID: m.ID, Name: m.Name, CodeSize: len(m.Code),
			FrameSize: m.FrameSize, Safepoints: len(m.Safepoints),
			CallSites: len(m.CallSites), Invalidated: m.Invalidated(),
		},
		PrologueLen: m.PrologueLen,
		Description: m.Describe(),
	}
	for _, sp := range m.Safepoints {
		d.Offsets = append(d.Offsets, sp.Offset)
	}
	writeJSON(w, d)
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	type row struct {
		Name  string      `json:"name"`
		Event interface{} `json:"event"`
	}
	var out []row
	for _, e := range s.ctx.EventsSnapshot() {
		out = append(out, row{Name: e.EventName(), Event: e})
	}
	writeJSON(w, out)
}

func (s *Server) handleCounters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.ctx.CountersSnapshot())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Start begins serving on a UDP socket; use the returned address when Addr
// ended with ":0".
func (s *Server) Start() (string, error) {
	pc, err := listenPacket(s.addr)
	if err != nil {
		return "", err
	}
	real := pc.LocalAddr().String()
	done := make(chan struct{})
	go func() {
		if err := s.srv.Serve(pc); err != nil {
			select {
			case s.errC <- err:
			default:
			}
		}
		close(done)
	}()
	s.close = func() error {
		_ = pc.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
	return real, nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Error returns the channel carrying the first serve error, if any.
func (s *Server) Error() <-chan error { return s.errC }
