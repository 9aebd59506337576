// Package httpapi exposes the curation service over a JSON HTTP API:
// public submission and login endpoints plus the token-guarded admin
// moderation surface.
package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mozhii/curator/internal/common"
	"github.com/mozhii/curator/internal/logging"
	"github.com/mozhii/curator/internal/server/auth"
	"github.com/mozhii/curator/internal/server/models"
	"github.com/mozhii/curator/internal/server/publish"
	"github.com/mozhii/curator/internal/server/staging"
	"github.com/mozhii/curator/internal/server/store"
)

type Handler struct {
	staging *staging.Service
	publish *publish.Service
	auth    *auth.Service
	logger  logging.Logger
}

func NewHandler(st *staging.Service, pub *publish.Service, au *auth.Service, logger logging.Logger) *Handler {
	return &Handler{
		staging: st,
		publish: pub,
		auth:    au,
		logger:  logger.With("module", "httpapi"),
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	token, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"token": token})
}

type submitChunk struct {
	Text     string `json:"text" binding:"required"`
	Language string `json:"language"`
	Category string `json:"category"`
	Overlap  string `json:"overlap"`
}

type submitRequest struct {
	Stage    models.Stage  `json:"stage" binding:"required"`
	Filename string        `json:"filename"`
	Content  string        `json:"content"`
	Language string        `json:"language"`
	Category string        `json:"category"`
	Source   string        `json:"source"`
	Chunks   []submitChunk `json:"chunks"`
}

// Submit accepts a raw or cleaned document, or a batch of chunks for an
// approved cleaned source.
func (h *Handler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}

	if req.Stage == models.StageChunked {
		payloads := make([]staging.ChunkPayload, 0, len(req.Chunks))
		for _, ch := range req.Chunks {
			payloads = append(payloads, staging.ChunkPayload{
				Text:     ch.Text,
				Language: ch.Language,
				Category: ch.Category,
				Overlap:  ch.Overlap,
			})
		}
		recs, err := h.staging.SubmitChunks(c.Request.Context(), req.Source, payloads)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		respondCreated(c, recs)
		return
	}

	rec, err := h.staging.Submit(c.Request.Context(), staging.SubmitRequest{
		Stage:    req.Stage,
		Filename: req.Filename,
		Content:  req.Content,
		Language: req.Language,
		Category: req.Category,
		Source:   req.Source,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondCreated(c, rec)
}

// refQuery parses the record address shared by several admin endpoints.
type refQuery struct {
	Stage      models.Stage `form:"stage" json:"stage" binding:"required"`
	Filename   string       `form:"filename" json:"filename" binding:"required"`
	ChunkIndex *int         `form:"chunk_index" json:"chunk_index"`
}

func (q *refQuery) ref() (store.Ref, error) {
	if !q.Stage.Valid() {
		return store.Ref{}, fmt.Errorf("%w: unknown stage %q", common.ErrInvalidState, q.Stage)
	}
	if !models.ValidFilename(q.Filename) {
		return store.Ref{}, fmt.Errorf("%w: invalid filename %q", common.ErrInvalidState, q.Filename)
	}
	if q.Stage == models.StageChunked {
		if q.ChunkIndex == nil {
			return store.Ref{}, fmt.Errorf("%w: chunk_index is required for the chunked stage", common.ErrInvalidState)
		}
		return store.ChunkRef(q.Filename, *q.ChunkIndex), nil
	}
	return store.ItemRef(q.Stage, q.Filename), nil
}

func (h *Handler) ListPending(c *gin.Context) {
	stage := models.Stage(c.Query("stage"))
	if !stage.Valid() {
		respondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("unknown stage %q", stage))
		return
	}
	recs, err := h.staging.ListPending(c.Request.Context(), stage)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"items": recs, "count": len(recs)})
}

func (h *Handler) GetItem(c *gin.Context) {
	var q refQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	ref, err := q.ref()
	if err != nil {
		respondServiceError(c, err)
		return
	}
	status := models.Status(c.DefaultQuery("status", string(models.StatusPending)))
	rec, err := h.staging.GetItem(c.Request.Context(), status, ref)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, rec)
}

type updateRequest struct {
	refQuery
	Content  *string `json:"content"`
	Language *string `json:"language"`
	Category *string `json:"category"`
	Text     *string `json:"text"`
	Overlap  *string `json:"overlap"`
}

func (h *Handler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	ref, err := req.ref()
	if err != nil {
		respondServiceError(c, err)
		return
	}
	rec, err := h.staging.Update(c.Request.Context(), ref, staging.UpdateRequest{
		Content:  req.Content,
		Language: req.Language,
		Category: req.Category,
		Text:     req.Text,
		Overlap:  req.Overlap,
		Actor:    actorFrom(c),
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, rec)
}

func (h *Handler) Approve(c *gin.Context) {
	var q refQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	ref, err := q.ref()
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if err := h.staging.Approve(c.Request.Context(), ref); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"approved": true})
}

type rejectRequest struct {
	refQuery
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	ref, err := req.ref()
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if err := h.staging.Reject(c.Request.Context(), ref, req.Reason); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"rejected": true})
}

type approveAllRequest struct {
	Stage  models.Stage `json:"stage" binding:"required"`
	Source string       `json:"source"`
}

func (h *Handler) ApproveAll(c *gin.Context) {
	var req approveAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if !req.Stage.Valid() {
		respondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("unknown stage %q", req.Stage))
		return
	}
	result, err := h.staging.ApproveAll(c.Request.Context(), req.Stage, req.Source)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, result)
}

type pushRequest struct {
	Stage    models.Stage `json:"stage"`
	Filename string       `json:"filename"`
}

func (h *Handler) Push(c *gin.Context) {
	var req pushRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "bad_request", err)
			return
		}
	}
	result, err := h.publish.SyncAll(c.Request.Context(), publish.Scope{Stage: req.Stage, Filename: req.Filename})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, result)
}

// ListRemote reports what the hub currently holds under a stage prefix, so a
// moderator can compare the published dataset against the local partitions.
func (h *Handler) ListRemote(c *gin.Context) {
	stage := models.Stage(c.Query("stage"))
	keys, err := h.publish.ListRemote(c.Request.Context(), stage)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"keys": keys, "count": len(keys)})
}

func (h *Handler) DownloadRemote(c *gin.Context) {
	key := c.Query("key")
	body, err := h.publish.FetchRemote(c.Request.Context(), key)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", body)
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.staging.Stats(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, stats)
}

func (h *Handler) ListApproved(c *gin.Context) {
	stage := models.Stage(c.Query("stage"))
	if !stage.Valid() {
		respondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("unknown stage %q", stage))
		return
	}
	recs, err := h.staging.ListApproved(c.Request.Context(), stage)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"items": recs, "count": len(recs)})
}

func (h *Handler) ListDangling(c *gin.Context) {
	dangling, err := h.staging.ListDangling(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"items": dangling, "count": len(dangling)})
}

type deleteApprovedRequest struct {
	Filename string `json:"filename" binding:"required"`
	Scope    string `json:"scope"`
}

func (h *Handler) DeleteApproved(c *gin.Context) {
	var req deleteApprovedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if !models.ValidFilename(req.Filename) {
		respondServiceError(c, fmt.Errorf("%w: invalid filename %q", common.ErrInvalidState, req.Filename))
		return
	}
	scope := publish.DeleteScope(req.Scope)
	if scope == "" {
		scope = publish.DeleteAll
	}
	switch scope {
	case publish.DeleteRaw, publish.DeleteCleaned, publish.DeleteChunks, publish.DeleteAll:
	default:
		respondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("unknown scope %q", req.Scope))
		return
	}
	result, err := h.publish.DeleteApproved(c.Request.Context(), req.Filename, scope)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	h.logger.Info(c.Request.Context(), "approved records deleted", "filename", req.Filename, "scope", scope, "actor", actorFrom(c))
	respondOK(c, result)
}
