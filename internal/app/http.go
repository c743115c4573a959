package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gcphost/pagehub.dev-sub001/internal/search"
	"github.com/gcphost/pagehub.dev-sub001/internal/tree"
	"github.com/gcphost/pagehub.dev-sub001/internal/util"
)

// maxBodyBytes caps request bodies; whole-page saves are the largest.
const maxBodyBytes = 8 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: promhttp.Handler()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		w.Header().Del("Content-Type")
		s.metrics.ServeHTTP(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/components/search" {
		s.handleComponentSearch(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "pages" {
		s.handlePages(w, r, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Checks(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleComponentSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:    strings.TrimSpace(query.Get("q")),
		PageID:  strings.TrimSpace(query.Get("pageId")),
		TypeTag: strings.TrimSpace(query.Get("typeTag")),
		Limit:   queryInt(r, "limit", 20),
		Offset:  queryInt(r, "offset", 0),
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	writeJSON(w, http.StatusOK, s.service.SearchComponents(r.Context(), q))
}

// handlePages serves /api/pages and everything below it. parts[2] is the
// page id when present.
func (s *HTTPServer) handlePages(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			pages, err := s.service.ListPages(ctx)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
		case http.MethodPost:
			var body createPageRequest
			if !decodeValid(w, r, &body) {
				return
			}
			page, err := s.service.CreatePage(ctx, body.Name, body.Author)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, page)
		default:
			methodNotAllowed(w)
		}
		return
	}

	pageID := parts[2]
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			page, err := s.service.GetPage(ctx, pageID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, page)
		case http.MethodPut:
			var body savePageRequest
			if !decodeValid(w, r, &body) {
				return
			}
			res, err := s.service.SavePage(ctx, pageID, SaveInput{
				Tree:       body.Tree,
				Components: body.Components,
				Author:     body.Author,
				Message:    body.Message,
			})
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch parts[3] {
	case "nodes":
		s.handleNodes(w, r, pageID, parts)
	case "trees":
		if len(parts) != 4 || r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body insertTreeRequest
		if !decodeValid(w, r, &body) {
			return
		}
		id, warnings, err := s.service.InsertTree(ctx, pageID, body.Selection.selection(), body.Tree)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if warnings == nil {
			warnings = []tree.Warning{}
		}
		writeJSON(w, http.StatusCreated, map[string]any{"nodeId": id, "warnings": warnings})
	case "components":
		s.handleComponents(w, r, pageID, parts)
	case "instances":
		if len(parts) != 4 || r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body insertInstanceRequest
		if !decodeValid(w, r, &body) {
			return
		}
		id, err := s.service.InsertInstance(ctx, pageID, body.Name, tree.RelationType(body.RelationType), body.Selection.selection())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"nodeId": id})
	case "sync":
		if len(parts) != 4 || r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		results, err := s.service.Sync(ctx, pageID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if results == nil {
			results = []tree.SyncResult{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	case "versions":
		s.handleVersions(w, r, pageID, parts)
	case "diff":
		if len(parts) != 4 || r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		from := strings.TrimSpace(r.URL.Query().Get("from"))
		to := strings.TrimSpace(r.URL.Query().Get("to"))
		diff, err := s.service.Diff(ctx, pageID, from, to)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, diff)
	case "archive":
		if len(parts) != 4 || r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		entries, err := s.service.Archived(ctx, pageID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

// handleNodes serves /api/pages/{id}/nodes[/{nodeId}[/{action}]].
func (s *HTTPServer) handleNodes(w http.ResponseWriter, r *http.Request, pageID string, parts []string) {
	ctx := r.Context()

	if len(parts) == 4 {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var body insertNodeRequest
		if !decodeValid(w, r, &body) {
			return
		}
		id, err := s.service.InsertNode(ctx, pageID, body.Selection.selection(), body.Node.newNode())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"nodeId": id})
		return
	}

	nodeID := parts[4]
	if len(parts) == 5 {
		switch r.Method {
		case http.MethodGet:
			node, err := s.service.Node(ctx, pageID, nodeID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": nodeID, "node": node})
		case http.MethodDelete:
			res, err := s.service.DeleteNode(ctx, pageID, nodeID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		default:
			methodNotAllowed(w)
		}
		return
	}

	if len(parts) != 6 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	switch action := parts[5]; {
	case action == "duplicate" && r.Method == http.MethodPost:
		id, err := s.service.DuplicateNode(ctx, pageID, nodeID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"nodeId": id})
	case action == "props" && r.Method == http.MethodPatch:
		patch, err := readBody(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		props, err := s.service.PatchProps(ctx, pageID, nodeID, patch)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": nodeID, "props": props})
	case action == "move" && r.Method == http.MethodPost:
		var body moveNodeRequest
		if !decodeValid(w, r, &body) {
			return
		}
		if err := s.service.MoveNode(ctx, pageID, nodeID, body.Selection.selection()); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case action == "name" && r.Method == http.MethodPut:
		var body renameNodeRequest
		if !decodeValid(w, r, &body) {
			return
		}
		if err := s.service.RenameNode(ctx, pageID, nodeID, body.Name); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case action == "detach" && r.Method == http.MethodPost:
		if err := s.service.DetachInstance(ctx, pageID, nodeID); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleComponents(w http.ResponseWriter, r *http.Request, pageID string, parts []string) {
	if len(parts) != 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		components, err := s.service.Components(r.Context(), pageID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"components": components})
	case http.MethodPost:
		var body createComponentRequest
		if !decodeValid(w, r, &body) {
			return
		}
		if err := s.service.CreateComponent(r.Context(), pageID, body.NodeID, body.Name); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"name": strings.TrimSpace(body.Name), "masterId": body.NodeID})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, pageID string, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		versions, err := s.service.Versions(ctx, pageID, queryInt(r, "limit", 50))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
	case len(parts) == 5 && r.Method == http.MethodGet:
		view, err := s.service.Version(ctx, pageID, parts[4])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case len(parts) == 6 && parts[5] == "restore" && r.Method == http.MethodPost:
		var body restoreRequest
		if !decodeValid(w, r, &body) {
			return
		}
		res, err := s.service.Restore(ctx, pageID, parts[4], body.Author)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("app: %v", err)
	}
	writeError(w, status, code, message, details)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeValid decodes and validates the body, writing the error response
// itself when either step fails.
func decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := validate.Struct(target); err != nil {
		writeMappedError(w, err)
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("body is required")
	}
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON body")
	}
	return data, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
