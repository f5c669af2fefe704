package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/davkit/davkit/internal/authn"
	"github.com/davkit/davkit/internal/protocol"
	"github.com/davkit/davkit/internal/storage"
)

// New builds the top-level http.Handler: well-known discovery, a health
// check, and the basePath DAV entry point, all logged and authenticated
// the way the teacher's router.New does, generalized to dispatch against
// one protocol.Engine instead of a per-service DAVService map.
func New(engine *protocol.Engine, authChain *authn.Chain, cfg protocol.Config, logger zerolog.Logger) http.Handler {
	r := &Router{engine: engine, auth: authChain, basePath: normalizeBasePath(cfg.BasePath), logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/caldav", r.handleWellKnown)
	mux.HandleFunc("/.well-known/carddav", r.handleWellKnown)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc(r.basePath, r.handleDAVRequest)
	if withoutSlash := strings.TrimSuffix(r.basePath, "/"); withoutSlash != r.basePath {
		mux.HandleFunc(withoutSlash, r.handleDAVRequest)
	}
	return mux
}

func normalizeBasePath(base string) string {
	if base == "" || base[0] != '/' {
		base = "/dav"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func (r *Router) handleWellKnown(w http.ResponseWriter, req *http.Request) {
	http.Redirect(w, req, r.basePath, http.StatusMovedPermanently)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleDAVRequest authenticates the request, builds a protocol.Request,
// dispatches to the matching Engine method, and writes the result back.
// OPTIONS is the one method handled unauthenticated, for capability
// discovery by clients probing before they have credentials.
func (r *Router) handleDAVRequest(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	if req.Method == http.MethodOptions {
		resp, err := r.engine.Options(ctx, &protocol.Request{Path: req.URL.Path})
		r.writeResult(w, resp, err)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}

	subject, username, authErr := r.authenticate(req)
	if authErr != nil {
		r.logAttempt(req, username, authErr)
		w.Header().Set("WWW-Authenticate", `Basic realm="DAV", charset="UTF-8"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	preq, err := r.buildRequest(req, subject)
	if err != nil {
		http.Error(rec, err.Error(), http.StatusBadRequest)
		return
	}

	resp, engErr := r.dispatch(ctx, req, preq)
	r.writeResult(rec, resp, engErr)

	r.logRequest(req, username, rec, time.Since(start))
}

// dispatch maps an HTTP method onto the one protocol.Engine call it
// corresponds to. MKCOL's collection kind is derived from the request path
// (an addressbook home creates an addressbook, anything else a plain
// collection) since RFC 5689 MKCOL itself carries no kind; MKCALENDAR
// always creates a calendar per RFC 4791 §5.3.1.
func (r *Router) dispatch(ctx context.Context, req *http.Request, preq *protocol.Request) (*protocol.Response, error) {
	switch req.Method {
	case "PROPFIND":
		return r.engine.Propfind(ctx, preq)
	case "PROPPATCH":
		return r.engine.Proppatch(ctx, preq)
	case "REPORT":
		return r.engine.Report(ctx, preq)
	case http.MethodGet:
		return r.engine.Get(ctx, preq, false)
	case http.MethodHead:
		return r.engine.Get(ctx, preq, true)
	case http.MethodPut:
		return r.engine.Put(ctx, preq, req.Header.Get("Content-Type"))
	case http.MethodDelete:
		return r.engine.Delete(ctx, preq)
	case "MKCOL":
		return r.engine.Mkcol(ctx, preq, mkcolKind(req.URL.Path))
	case "MKCALENDAR":
		return r.engine.Mkcol(ctx, preq, storage.CollectionCalendar)
	case "COPY":
		return r.engine.Copy(ctx, preq)
	case "MOVE":
		return r.engine.Move(ctx, preq)
	default:
		return nil, &protocol.Error{Status: protocol.StatusMethodNotAllowed, Message: "method not allowed"}
	}
}

func mkcolKind(path string) storage.CollectionKind {
	if strings.Contains(path, "/addressbooks/") {
		return storage.CollectionAddressbook
	}
	return storage.CollectionPlain
}

// writeResult writes an Engine result to w: headers and body for success,
// status plus an optional DAV:error body naming the failed precondition
// for failure. Handlers never write to the ResponseWriter themselves.
func (r *Router) writeResult(w http.ResponseWriter, resp *protocol.Response, err error) {
	if err != nil {
		writeEngineError(w, err)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(int(resp.Status))
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if perr.Element == "" {
		http.Error(w, perr.Message, int(perr.Status))
		return
	}
	ns := perr.Namespace
	if ns == "" {
		ns = "DAV:"
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(int(perr.Status))
	_, _ = w.Write([]byte(`<?xml version="1.0" encoding="utf-8"?><D:error xmlns:D="DAV:" xmlns:E="` + ns + `"><E:` + string(perr.Element) + `/></D:error>`))
}

func (r *Router) authenticate(req *http.Request) (protocol.Subject, string, error) {
	authz := req.Header.Get("Authorization")
	lower := strings.ToLower(authz)

	switch {
	case strings.HasPrefix(lower, "bearer ") && r.auth.BearerEnabled():
		id, err := r.auth.AuthenticateBearer(req.Context(), strings.TrimSpace(authz[len("bearer "):]))
		if err != nil {
			return protocol.Subject{}, "", err
		}
		return protocol.Subject{PrincipalID: id.PrincipalID}, id.Slug, nil
	case r.auth.BasicEnabled():
		id, err := r.auth.AuthenticateBasic(req.Context(), authz)
		if err != nil {
			return protocol.Subject{}, "", err
		}
		return protocol.Subject{PrincipalID: id.PrincipalID}, id.Slug, nil
	default:
		return protocol.Subject{}, "", errors.New("no authentication scheme available")
	}
}

func (r *Router) buildRequest(req *http.Request, subject protocol.Subject) (*protocol.Request, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}
	return &protocol.Request{
		Path:        req.URL.Path,
		Subject:     subject,
		Depth:       parseDepth(req.Header.Get("Depth")),
		Body:        body,
		IfMatch:     req.Header.Get("If-Match"),
		IfNoneMatch: req.Header.Get("If-None-Match"),
		Overwrite:   parseOverwrite(req.Header.Get("Overwrite")),
		Destination: destinationPath(req.Header.Get("Destination")),
	}, nil
}

// maxRequestBody bounds how much of a request body the router will ever
// read into memory, independent of protocol.Engine's own max-resource-size
// precondition — the engine rejects an oversized PUT with 413 only after
// the bytes are already read, so this caps the read itself.
const maxRequestBody = 64 << 20

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(io.LimitReader(req.Body, maxRequestBody+1))
}

func parseDepth(h string) storage.Depth {
	switch h {
	case "1":
		return storage.DepthOne
	case "infinity":
		return storage.DepthInfinity
	default:
		return storage.DepthZero
	}
}

func parseOverwrite(h string) bool {
	return !strings.EqualFold(h, "F")
}

func destinationPath(dest string) string {
	if dest == "" {
		return ""
	}
	u, err := url.Parse(dest)
	if err != nil {
		return dest
	}
	return u.Path
}

func trimQuotes(s string) string {
	return strings.Trim(s, `"`)
}

func (r *Router) logAttempt(req *http.Request, username string, authErr error) {
	ip := realIP(req)
	logEvent := r.logger.Info().
		Bool("auth_success", false).
		Str("user", username).
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("ip", ip).
		Str("user_agent", req.Header.Get("User-Agent"))
	if authErr != nil {
		logEvent = logEvent.Str("error", authErr.Error())
	}
	logEvent.Msg("auth attempt")
}

func (r *Router) logRequest(req *http.Request, username string, rec *statusRecorder, dur time.Duration) {
	var logEvent *zerolog.Event
	switch req.Method {
	case "PROPFIND", "REPORT", http.MethodGet, http.MethodHead:
		logEvent = r.logger.Debug()
	default:
		logEvent = r.logger.Info()
	}
	logEvent.
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("user", username).
		Int("status", statusOrDefault(rec.status)).
		Int("bytes", rec.bytes).
		Float64("duration_ms", float64(dur.Microseconds())/1000.0).
		Str("ip", realIP(req)).
		Str("user_agent", req.Header.Get("User-Agent")).
		Msg("http request")
}
