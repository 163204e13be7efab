package http

import (
	"context"
	"net/http"
	"slices"
	"strconv"

	"github.com/Strob0t/crewflow/internal/domain"
	"github.com/Strob0t/crewflow/internal/domain/checkpoint"
	"github.com/Strob0t/crewflow/internal/domain/cost"
	"github.com/Strob0t/crewflow/internal/domain/memory"
	"github.com/Strob0t/crewflow/internal/domain/mode"
	"github.com/Strob0t/crewflow/internal/domain/phase"
	"github.com/Strob0t/crewflow/internal/domain/task"
	"github.com/Strob0t/crewflow/internal/port/agentbackend"
	"github.com/Strob0t/crewflow/internal/service"
)

const maxRequestBodySize = 1 << 20 // 1 MB

const taskNotFound = "task not found"

// Handlers holds the services behind the REST API.
type Handlers struct {
	Workflow *service.WorkflowService
	Memory   *service.MemoryService
	Costs    *service.CostService
	Config   *service.ConfigService
	Runs     *service.RunPool // nil disables run and resume

	// Context locates the project and its task directory. Requests may add
	// runtime overrides on top of its own.
	Context task.Context

	BodyLimit int64
}

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return maxRequestBodySize
}

// taskContext returns the server context plus extra overrides.
func (h *Handlers) taskContext(extra []string) task.Context {
	tc := h.Context
	tc.Overrides = append(slices.Clone(h.Context.Overrides), extra...)
	return tc
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- tasks ---

type createTaskRequest struct {
	service.InitRequest
	Overrides []string `json:"overrides,omitempty"`
}

// CreateTask handles POST /api/v1/tasks.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createTaskRequest](w, r, h.bodyLimit())
	if !ok || !requireField(w, req.Description, "description") {
		return
	}
	t, err := h.Workflow.Initialize(r.Context(), h.taskContext(req.Overrides), req.InitRequest)
	if err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type transitionRequest struct {
	To string `json:"to"`
}

func (h *Handlers) transition(ctx context.Context, id string, req transitionRequest) (*task.Task, error) {
	if req.To == "" {
		return nil, domain.Validationf("to is required")
	}
	return h.Workflow.Transition(ctx, id, phase.Normalize(req.To))
}

// CompletePhase handles POST /api/v1/tasks/{id}/phases/{phase}/complete.
func (h *Handlers) CompletePhase(w http.ResponseWriter, r *http.Request) {
	out, ok := readJSON[agentbackend.Output](w, r, h.bodyLimit())
	if !ok {
		return
	}
	t, err := h.Workflow.CompletePhase(r.Context(), urlParam(r, "id"), phase.Normalize(urlParam(r, "phase")), out)
	if err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type decisionRequest struct {
	Decision checkpoint.Decision `json:"decision"`
	Notes    string              `json:"notes,omitempty"`
}

func (h *Handlers) decide(ctx context.Context, id string, req decisionRequest) (*task.Task, error) {
	return h.Workflow.ResolveCheckpoint(ctx, id, req.Decision, req.Notes)
}

type progressRequest struct {
	Steps []string `json:"steps"`
}

func (h *Handlers) setProgress(ctx context.Context, id string, req progressRequest) (*task.Task, error) {
	return h.Workflow.SetImplementationProgress(ctx, id, req.Steps)
}

// CompleteStep handles POST /api/v1/tasks/{id}/steps/{n}/complete.
func (h *Handlers) CompleteStep(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(urlParam(r, "n"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "step must be a positive integer")
		return
	}
	t, err := h.Workflow.CompleteStep(r.Context(), urlParam(r, "id"), n)
	if err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// RunTask handles POST /api/v1/tasks/{id}/run.
func (h *Handlers) RunTask(w http.ResponseWriter, r *http.Request) { h.start(w, r, false) }

// ResumeTask handles POST /api/v1/tasks/{id}/resume.
func (h *Handlers) ResumeTask(w http.ResponseWriter, r *http.Request) { h.start(w, r, true) }

func (h *Handlers) start(w http.ResponseWriter, r *http.Request, resume bool) {
	if h.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "task runs are disabled on this server")
		return
	}
	id := urlParam(r, "id")
	// Surface unknown tasks and halted states synchronously.
	info, err := h.Workflow.ResumeState(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	if err := h.Runs.Start(id, resume); err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "running": true, "from": info.Summary})
}

// TaskConfig handles GET /api/v1/tasks/{id}/config: the configuration the
// task would resolve now. The snapshot taken at initialization is on the task.
func (h *Handlers) TaskConfig(w http.ResponseWriter, r *http.Request) {
	h.writeEffective(w, r, urlParam(r, "id"))
}

// EffectiveConfig handles GET /api/v1/config?override=key=value.
func (h *Handlers) EffectiveConfig(w http.ResponseWriter, r *http.Request) {
	h.writeEffective(w, r, "")
}

func (h *Handlers) writeEffective(w http.ResponseWriter, r *http.Request, taskID string) {
	eff, err := h.Config.Resolve(r.Context(), h.taskContext(r.URL.Query()["override"]), taskID)
	if err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

type detectRequest struct {
	Description string    `json:"description"`
	Mode        mode.Name `json:"mode,omitempty"`
	Files       []string  `json:"files,omitempty"`
}

type detectResponse struct {
	mode.Detection
	Chain []phase.Phase `json:"phase_chain"`
}

// DetectMode handles POST /api/v1/detect.
func (h *Handlers) DetectMode(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[detectRequest](w, r, h.bodyLimit())
	if !ok || !requireField(w, req.Description, "description") {
		return
	}
	d, err := mode.Detect(req.Description, req.Mode, req.Files)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, detectResponse{Detection: d, Chain: mode.Chain(d.Mode)})
}

// --- discoveries ---

// SaveDiscovery handles POST /api/v1/tasks/{id}/discoveries.
func (h *Handlers) SaveDiscovery(w http.ResponseWriter, r *http.Request) {
	d, ok := readJSON[memory.Discovery](w, r, h.bodyLimit())
	if !ok {
		return
	}
	d.TaskID = urlParam(r, "id")
	if err := h.Memory.Save(r.Context(), &d); err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// ListDiscoveries handles GET /api/v1/tasks/{id}/discoveries?category=&tag=&text=.
func (h *Handlers) ListDiscoveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.Memory.Query(r.Context(), memory.Filter{
		TaskID:   urlParam(r, "id"),
		Category: memory.Category(q.Get("category")),
		Tags:     q["tag"],
		Text:     q.Get("text"),
	})
	if err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	if items == nil {
		items = []memory.Discovery{}
	}
	writeJSON(w, http.StatusOK, items)
}

// SearchDiscoveries handles GET /api/v1/discoveries/search?q=&task=&category=&max=.
func (h *Handlers) SearchDiscoveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !requireField(w, q.Get("q"), "q") {
		return
	}
	req := memory.SearchRequest{
		Query:    q.Get("q"),
		TaskIDs:  q["task"],
		Category: memory.Category(q.Get("category")),
	}
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "max must be an integer")
			return
		}
		req.MaxResults = n
	}
	res, err := h.Memory.Search(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	if res == nil {
		res = []memory.ScoredDiscovery{}
	}
	writeJSON(w, http.StatusOK, res)
}

// --- error patterns ---

// RecordErrorPattern handles POST /api/v1/error-patterns. A new signature
// answers 201, another sighting of a known one 200.
func (h *Handlers) RecordErrorPattern(w http.ResponseWriter, r *http.Request) {
	sighting, ok := readJSON[memory.PatternSighting](w, r, h.bodyLimit())
	if !ok {
		return
	}
	p, created, err := h.Memory.RecordErrorPattern(r.Context(), &sighting)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, p)
}

type matchErrorRequest struct {
	Output        string  `json:"output"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

// MatchError handles POST /api/v1/error-patterns/match.
func (h *Handlers) MatchError(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[matchErrorRequest](w, r, h.bodyLimit())
	if !ok || !requireField(w, req.Output, "output") {
		return
	}
	m, err := h.Memory.MatchError(r.Context(), req.Output, req.MinConfidence)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	if m.Matches == nil {
		m.Matches = []memory.PatternMatch{}
	}
	writeJSON(w, http.StatusOK, m)
}

// --- concerns ---

// ListConcerns handles GET /api/v1/tasks/{id}/concerns?open=true.
func (h *Handlers) ListConcerns(w http.ResponseWriter, r *http.Request) {
	open, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	l, err := h.Workflow.Concerns(r.Context(), urlParam(r, "id"), open)
	if err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type addressRequest struct {
	AddressedBy string `json:"addressed_by"`
}

// AddressConcern handles POST /api/v1/tasks/{id}/concerns/{concern}/address.
func (h *Handlers) AddressConcern(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[addressRequest](w, r, h.bodyLimit())
	if !ok || !requireField(w, req.AddressedBy, "addressed_by") {
		return
	}
	c, err := h.Workflow.AddressConcern(r.Context(), urlParam(r, "id"), urlParam(r, "concern"), req.AddressedBy)
	if err != nil {
		writeDomainError(w, err, "task or concern not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- links ---

type linkRequest struct {
	TaskIDs      []string          `json:"task_ids"`
	Relationship task.Relationship `json:"relationship,omitempty"`
}

func (h *Handlers) linkTasks(ctx context.Context, id string, req linkRequest) (service.LinkResult, error) {
	return h.Workflow.LinkTasks(ctx, id, req.TaskIDs, req.Relationship)
}

// LinkedTasks handles GET /api/v1/tasks/{id}/links?memories=true.
func (h *Handlers) LinkedTasks(w http.ResponseWriter, r *http.Request) {
	memories, _ := strconv.ParseBool(r.URL.Query().Get("memories"))
	lt, err := h.Workflow.LinkedTasks(r.Context(), urlParam(r, "id"), memories)
	if err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, lt)
}

// --- costs ---

// RecordCost handles POST /api/v1/tasks/{id}/costs.
func (h *Handlers) RecordCost(w http.ResponseWriter, r *http.Request) {
	e, ok := readJSON[cost.Entry](w, r, h.bodyLimit())
	if !ok {
		return
	}
	e.TaskID = urlParam(r, "id")
	if err := h.Costs.Record(r.Context(), &e); err != nil {
		writeDomainError(w, err, taskNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}
