package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgallion1/docdraft/internal/callstats"
	"github.com/dgallion1/docdraft/internal/config"
	"github.com/dgallion1/docdraft/internal/extract"
	"github.com/dgallion1/docdraft/internal/objectstore"
	"github.com/dgallion1/docdraft/internal/orchestrator"
	"github.com/dgallion1/docdraft/internal/pipeline"
	"github.com/dgallion1/docdraft/internal/retrieval"
	"github.com/dgallion1/docdraft/internal/status"
	"github.com/dgallion1/docdraft/internal/store"
)

// DocumentStore is the slice of the database the API reads and manages.
type DocumentStore interface {
	Ping(ctx context.Context) error
	GetDocument(ctx context.Context, id string) (*store.Document, error)
	ListDocuments(ctx context.Context, ownerID int64) ([]store.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	EnsureFolder(ctx context.Context, ownerID int64, path string) (*store.Folder, error)
	CreateCase(ctx context.Context, ownerID int64, name, folderID string) (*store.Case, error)
}

// JobQueue accepts asynchronous ingestions.
type JobQueue interface {
	Submit(job *pipeline.Job) error
	GetJob(id string) *pipeline.Job
	QueueDepth() int
}

// Retriever answers scoped similarity queries.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) retrieval.Result
}

// Runner drives multi-agent runs.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	RunIngestion(ctx context.Context, req orchestrator.Request) (*orchestrator.StageRun, error)
	RunRetrieval(ctx context.Context, req orchestrator.Request) (*orchestrator.StageRun, error)
}

// Assembler stores sections and assembles project documents.
type Assembler interface {
	SaveSection(ctx context.Context, sec store.Section) error
	AssembleProject(ctx context.Context, projectKey string) (string, bool, error)
}

// Deps are the collaborators behind the HTTP surface. Only Store, Queue and
// Retriever are required; routes behind a nil dependency answer 503 or skip
// the optional step.
type Deps struct {
	Store      DocumentStore
	Queue      JobQueue
	Objects    objectstore.Store
	Broker     *status.Broker
	Retriever  Retriever
	Runner     Runner
	Assembler  Assembler
	Claude     *extract.ClaudeClient
	AgentStats *callstats.Set
}

// Server is the HTTP API server for docdraft.
type Server struct {
	router chi.Router
	deps   Deps
	log    *slog.Logger
	cfg    config.Config
}

// NewServer creates and configures the HTTP server.
func NewServer(deps Deps, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		deps: deps,
		log:  log,
		cfg:  cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.APIKey, s.log))

		r.Post("/api/ingest", s.handleIngest)
		r.Get("/api/ingest/{jobID}/status", s.handleIngestStatus)
		r.Post("/api/ingest/batch", s.handleBatchIngest)
		r.Get("/api/stats/llm", s.handleLLMStats)
		r.Get("/api/stats/agents", s.handleAgentStats)

		r.Get("/api/documents", s.handleListDocuments)
		r.Get("/api/documents/{docID}", s.handleGetDocument)
		r.Delete("/api/documents/{docID}", s.handleDeleteDocument)
		r.Get("/api/documents/{docID}/events", s.handleDocumentEvents)

		r.Post("/api/folders", s.handleCreateFolder)
		r.Post("/api/cases", s.handleCreateCase)

		r.Post("/api/retrieve", s.handleRetrieve)
		r.Post("/api/run", s.handleRun)

		r.Put("/api/projects/{projectKey}/sections/{position}", s.handlePutSection)
		r.Post("/api/projects/{projectKey}/assemble", s.handleAssemble)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	code, status := http.StatusOK, "ok"
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.log.Error("health: database unreachable", "error", err)
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"queue_depth": s.deps.Queue.QueueDepth(),
	})
}
