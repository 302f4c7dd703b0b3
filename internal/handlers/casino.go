package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"agent-royale-backend/internal/logging"
	"agent-royale-backend/internal/models"
	"agent-royale-backend/internal/services"
)

const (
	IdempotencyHeader = "X-Idempotency-Key"
	ReplayHeader      = "X-Idempotent-Replay"
)

type CasinoHandler struct {
	engine      *services.GamingEngine
	store       services.Store
	commitLimit int
	inflight    singleflight.Group
	deployment  Deployment
	startedAt   time.Time
	log         log.Logger
}

// Deployment names the chain and contract the signed states settle on.
type Deployment struct {
	ChainID        int64
	ChannelManager string
}

func NewCasinoHandler(engine *services.GamingEngine, store services.Store, commitLimit int) *CasinoHandler {
	if commitLimit <= 0 {
		commitLimit = services.DefaultRateLimitCommits
	}
	return &CasinoHandler{
		engine:      engine,
		store:       store,
		commitLimit: commitLimit,
		startedAt:   time.Now(),
		log:         logging.New("http"),
	}
}

func (h *CasinoHandler) WithDeployment(d Deployment) *CasinoHandler {
	h.deployment = d
	return h
}

// ActionRequest is the agent-facing request. Agents speaking the A2A
// envelope send the same object as message.content.
type ActionRequest struct {
	Action         string        `json:"action"`
	Agent          string        `json:"agent,omitempty"`
	StealthAddress string        `json:"stealthAddress,omitempty"`
	Params         models.Params `json:"params,omitempty"`
	Message        *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message,omitempty"`
}

func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// ParseActionRequest accepts the flat form or the envelope form, whose
// content may itself be a JSON string.
func ParseActionRequest(body []byte) (*ActionRequest, error) {
	var req ActionRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, models.WrapError(models.CodeInvalidParams, "invalid request body", err)
	}

	if req.Action == "" && req.Message != nil && len(req.Message.Content) > 0 {
		content := []byte(req.Message.Content)
		var text string
		if json.Unmarshal(content, &text) == nil {
			content = []byte(text)
		}
		var inner ActionRequest
		if err := decodeJSON(content, &inner); err != nil {
			return nil, models.WrapError(models.CodeInvalidParams, "invalid message content", err)
		}
		req = inner
	}

	req.Message = nil
	if req.Agent == "" {
		req.Agent = req.StealthAddress
	}
	req.StealthAddress = ""
	if req.Action == "" {
		return nil, models.NewError(models.CodeInvalidParams, "action is required")
	}
	return &req, nil
}

// idempotencyKey scopes a client key to the agent and action. Without a
// client key the canonical request JSON is hashed together with the
// ledger version, so only a duplicate sent against the same channel
// state collapses; map keys marshal in sorted order.
func idempotencyKey(req *ActionRequest, header, version string) (string, error) {
	scope := strings.ToLower(req.Agent) + ":" + req.Action
	if header != "" {
		return scope + ":" + header, nil
	}
	canonical, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(canonical, version...))
	return scope + ":" + hex.EncodeToString(sum[:]), nil
}

type cachedResponse struct {
	body   []byte
	replay bool
}

// Handle serves POST /a2a/casino.
func (h *CasinoHandler) Handle(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.writeError(c, models.WrapError(models.CodeInvalidParams, "read body", err))
		return
	}
	req, err := ParseActionRequest(body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ctx := c.Request.Context()

	if services.IsCommit(req.Action) {
		if err := h.checkCommitRate(c, req); err != nil {
			h.writeError(c, err)
			return
		}
	}

	if !services.IsMutating(req.Action) {
		result, err := h.engine.Execute(ctx, req.Action, req.Agent, req.Params)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	header := c.GetHeader(IdempotencyHeader)
	key, err := idempotencyKey(req, header, h.engine.LedgerVersion(req.Action, req.Agent))
	if err != nil {
		h.writeError(c, models.WrapError(models.CodeInvalidParams, "encode request", err))
		return
	}

	v, err, _ := h.inflight.Do(key, func() (interface{}, error) {
		if stored, ok, err := h.store.GetResponse(ctx, key); err != nil {
			return nil, models.WrapError(models.CodeStorageUnavailable, "idempotency lookup failed", err)
		} else if ok {
			return cachedResponse{body: stored, replay: true}, nil
		}

		result, err := h.engine.Execute(ctx, req.Action, req.Agent, req.Params)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, models.WrapError(models.CodeInternal, "encode result", err)
		}
		h.storeResponse(ctx, req, key, data)

		// A retry of an action that cannot repeat arrives against the
		// state it produced; answer it with the same response.
		if header == "" && !services.Repeatable(req.Action) {
			if after, err := idempotencyKey(req, "", h.engine.LedgerVersion(req.Action, req.Agent)); err == nil && after != key {
				h.storeResponse(ctx, req, after, data)
			}
		}
		return cachedResponse{body: data}, nil
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := v.(cachedResponse)
	if resp.replay {
		c.Header(ReplayHeader, "true")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", resp.body)
}

func (h *CasinoHandler) storeResponse(ctx context.Context, req *ActionRequest, key string, data []byte) {
	if err := h.store.PutResponse(ctx, key, data); err != nil {
		h.log.Warn("idempotent response not stored", "action", req.Action, "agent", logging.ShortAddr(req.Agent), "err", err)
	}
}

func (h *CasinoHandler) checkCommitRate(c *gin.Context, req *ActionRequest) error {
	agent, err := models.NormalizeAgent(req.Agent)
	if err != nil {
		return err
	}
	allowed, err := h.store.CheckRateLimit(c.Request.Context(), agent, "commit", h.commitLimit, time.Minute)
	if err != nil {
		return models.WrapError(models.CodeStorageUnavailable, "rate limit check failed", err)
	}
	if !allowed {
		return models.Errorf(models.CodeRateLimited, "too many commits, limit is %d per minute", h.commitLimit)
	}
	return nil
}

func (h *CasinoHandler) writeError(c *gin.Context, err error) {
	code := models.CodeOf(err)
	message := err.Error()
	if code == models.CodeInternal {
		h.log.Error("action failed", "path", c.FullPath(), "err", err)
		message = "internal error"
	}
	c.AbortWithStatusJSON(code.HTTPStatus(), gin.H{
		"error":             true,
		"code":              code,
		"message":           message,
		"fairnessViolation": code == models.CodeFairnessViolation,
	})
}

func (h *CasinoHandler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Info())
}

func (h *CasinoHandler) Games(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"games": h.engine.Info()["games"]})
}

func (h *CasinoHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Stats())
}

func (h *CasinoHandler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"signer":    h.engine.SignerAddress(),
		"timestamp": time.Now().Unix(),
	})
}

func (h *CasinoHandler) GameStats(c *gin.Context) {
	stat, ok := h.engine.GameStat(c.Param("name"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": true, "message": "game not found"})
		return
	}
	c.JSON(http.StatusOK, stat)
}

// Agent serves GET /api/agent/:shortAddr for open channels.
func (h *CasinoHandler) Agent(c *gin.Context) {
	result, err := h.engine.AgentPerformance(c.Param("shortAddr"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *CasinoHandler) ArenaAgents(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.ArenaAgents())
}

func (h *CasinoHandler) Dashboard(c *gin.Context) {
	state := h.engine.DashboardState()
	state["server"] = gin.H{
		"uptime": int64(time.Since(h.startedAt) / time.Second),
		"signer": state["signer"],
		"chain":  h.deployment.ChainID,
	}
	state["contracts"] = gin.H{"channelManager": h.deployment.ChannelManager}
	delete(state, "signer")
	c.JSON(http.StatusOK, state)
}
