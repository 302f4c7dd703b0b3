package handlers

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"

	"agent-royale-backend/internal/fairness"
	"agent-royale-backend/internal/logging"
)

// OracleHandler is the relay surface used in callback oracle mode.
type OracleHandler struct {
	book *fairness.EntropyBook
	log  log.Logger
}

func NewOracleHandler(book *fairness.EntropyBook) *OracleHandler {
	return &OracleHandler{book: book, log: logging.New("oracle")}
}

type CallbackRequest struct {
	RoundID     string `json:"roundId" binding:"required"`
	Value       string `json:"value" binding:"required"`
	ProviderRef string `json:"providerRef"`
}

func (h *OracleHandler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	value, err := hexutil.Decode(req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "value must be 0x-prefixed hex",
			"details": err.Error(),
		})
		return
	}

	ref := req.ProviderRef
	if ref == "" {
		ref = c.GetString("oracle_provider") + ":" + req.RoundID
	}

	if err := h.book.Fulfill(req.RoundID, value, ref); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, fairness.ErrRoundNotFound):
			status = http.StatusNotFound
		case errors.Is(err, fairness.ErrRoundExpired):
			status = http.StatusGone
		case errors.Is(err, fairness.ErrConflictingValue):
			status = http.StatusConflict
			logging.Security.Error("conflicting oracle value", "round", req.RoundID, "provider", c.GetString("oracle_provider"))
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.log.Info("entropy fulfilled", "round", req.RoundID, "provider", c.GetString("oracle_provider"))
	c.JSON(http.StatusOK, gin.H{"success": true, "roundId": req.RoundID})
}

func (h *OracleHandler) Pending(c *gin.Context) {
	rounds := h.book.Pending()
	if rounds == nil {
		rounds = []fairness.EntropyRound{}
	}
	c.JSON(http.StatusOK, gin.H{"rounds": rounds})
}
