package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/malbeclabs/streamforge/generator/pkg/coordinator"
	"github.com/malbeclabs/streamforge/generator/pkg/pipeline"
	"github.com/malbeclabs/streamforge/generator/pkg/runner"
	"github.com/malbeclabs/streamforge/generator/pkg/schema"
	"github.com/malbeclabs/streamforge/generator/pkg/sink"
)

type DomainsResponse struct {
	Domains []string `json:"domains"`
}

type TableInfo struct {
	Table   string           `json:"table"`
	Type    schema.TableType `json:"type"`
	NumRows int              `json:"num_rows"`
	Columns []string         `json:"columns"`
	File    string           `json:"file,omitempty"`
}

type TablesResponse struct {
	Domain string      `json:"domain"`
	Tables []TableInfo `json:"tables"`
}

type PipelineTable struct {
	Table    string           `json:"table"`
	Type     schema.TableType `json:"type"`
	Location string           `json:"location"`
	Code     string           `json:"code"`
}

type PipelineResponse struct {
	Domain   string            `json:"domain"`
	Language pipeline.Language `json:"language"`
	Imports  string            `json:"imports,omitempty"`
	Tables   []PipelineTable   `json:"tables"`
}

// GET /api/domains
func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := schema.ListDomains(s.cfg.SchemaDir)
	if err != nil {
		s.log.Error("server: failed to list domains", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list domains")
		return
	}
	if domains == nil {
		domains = []string{}
	}
	s.writeJSON(w, http.StatusOK, DomainsResponse{Domains: domains})
}

// GET /api/domains/{domain}/tables
func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	schemas, err := schema.LoadDomain(s.cfg.SchemaDir, domain)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	tables := make([]TableInfo, 0, len(schemas))
	for _, sc := range schemas {
		tables = append(tables, TableInfo{
			Table:   sc.Table,
			Type:    sc.Type,
			NumRows: sc.NumRows,
			Columns: sc.Columns.Names(),
			File:    filepath.Base(sc.Path),
		})
	}
	s.writeJSON(w, http.StatusOK, TablesResponse{Domain: domain, Tables: tables})
}

// POST /api/runs
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req runner.StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	st, err := s.cfg.Runner.Start(r.Context(), req)
	if err != nil {
		if errors.Is(err, schema.ErrDomainNotFound) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeRunError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, st)
}

// GET /api/runs/current
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Runner.Status())
}

// DELETE /api/runs/current
func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Runner.Stop(); err != nil {
		s.writeRunError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.cfg.Runner.Status())
}

// GET /api/runs/current/pipeline?language=sql|python
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	lang, domain, codes, ok := s.pipelineFor(w, r)
	if !ok {
		return
	}
	resp := PipelineResponse{Domain: domain, Language: lang, Tables: make([]PipelineTable, 0, len(codes))}
	if lang == pipeline.LanguagePython {
		resp.Imports = pipeline.PythonImports
	}
	for _, c := range codes {
		resp.Tables = append(resp.Tables, PipelineTable{Table: c.Table, Type: c.Type, Location: c.Location, Code: c.For(lang)})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// GET /api/runs/current/notebook?language=sql|python
func (s *Server) handleNotebook(w http.ResponseWriter, r *http.Request) {
	lang, domain, codes, ok := s.pipelineFor(w, r)
	if !ok {
		return
	}
	nb, err := pipeline.Notebook(domain, codes, lang)
	if err != nil {
		s.log.Error("server: failed to render notebook", "domain", domain, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to render notebook")
		return
	}
	w.Header().Set("Content-Type", "application/x-ipynb+json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", pipeline.NotebookFileName(domain)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(nb); err != nil {
		s.log.Error("server: failed to write notebook", "error", err)
	}
}

func (s *Server) pipelineFor(w http.ResponseWriter, r *http.Request) (pipeline.Language, string, []pipeline.Code, bool) {
	lang, err := pipeline.ParseLanguage(r.URL.Query().Get("language"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", nil, false
	}
	domain, codes, ok := s.cfg.Runner.Pipeline()
	if !ok {
		writeError(w, http.StatusNotFound, "pipeline code is available after the first iteration of a run")
		return "", "", nil, false
	}
	return lang, domain, codes, true
}

// writeRunError maps domain errors onto status codes.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning), errors.Is(err, runner.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrInvalidRequest),
		errors.Is(err, schema.ErrInvalidSchema),
		errors.Is(err, coordinator.ErrDomainMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, schema.ErrDomainNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sink.ErrOutputNotEmpty):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	default:
		s.log.Error("server: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
