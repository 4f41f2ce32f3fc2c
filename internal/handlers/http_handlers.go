package handlers

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"confidential-lottery/internal/oracle"
	"confidential-lottery/internal/services"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/google/logger"
	"go.dedis.ch/kyber/v3"
)

// CallerHeader carries the address a request acts as.
const CallerHeader = "X-Caller-Address"

const callerKey = "caller"

// HTTPHandler holds the dependencies for the HTTP handlers, like the lottery service.
type HTTPHandler struct {
	service   *services.LotteryService
	oraclePub kyber.Point
}

// NewHTTPHandler creates a new HTTPHandler.
func NewHTTPHandler(service *services.LotteryService, oraclePub kyber.Point) *HTTPHandler {
	return &HTTPHandler{
		service:   service,
		oraclePub: oraclePub,
	}
}

// RegisterPublicRoutes registers routes that need no caller identity.
func (h *HTTPHandler) RegisterPublicRoutes(router gin.IRouter) {
	router.GET("/oracle/public-key", h.OraclePublicKey)
	router.POST("/oracle/callback", h.OracleCallback)

	router.GET("/lotteries/:id", h.GetLottery)
	router.GET("/lotteries/:id/state", h.GetState)
	router.GET("/lotteries/:id/prize", h.GetPrize)
	router.GET("/lotteries/:id/participants/count", h.GetParticipantCount)
	router.GET("/lotteries/:id/events", h.GetEvents)
	router.GET("/lotteries/:id/events.csv", h.ExportEventsCSV)
}

// RegisterCallerRoutes registers the state-changing routes. The group must
// use CallerMiddleware.
func (h *HTTPHandler) RegisterCallerRoutes(router gin.IRouter) {
	router.POST("/lotteries", h.CreateLottery)
	router.POST("/lotteries/:id/entries", h.EnterLottery)
	router.POST("/lotteries/:id/draw", h.DrawWinner)
	router.POST("/lotteries/:id/reseed", h.ReseedWinner)
	router.POST("/lotteries/:id/decryption", h.RequestDecryption)
	router.POST("/lotteries/:id/reveal", h.RevealWinner)
}

// CallerMiddleware resolves the calling address from the X-Caller-Address
// header and stores it on the context.
func (h *HTTPHandler) CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(CallerHeader))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + CallerHeader + " header"})
			return
		}
		if !common.IsHexAddress(raw) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed caller address"})
			return
		}
		c.Set(callerKey, common.HexToAddress(raw))
		c.Next()
	}
}

func caller(c *gin.Context) common.Address {
	return c.MustGet(callerKey).(common.Address)
}

// statusOf maps a service error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, services.ErrTiming):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrAuthenticity):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrIntegrity), errors.Is(err, services.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func lotteryID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid lottery id"})
		return 0, false
	}
	return id, true
}

type createRequest struct {
	Description string    `json:"description" binding:"required"`
	Deadline    time.Time `json:"deadline" binding:"required"`
}

// CreateLottery handles POST /lotteries.
func (h *HTTPHandler) CreateLottery(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.service.CreateLottery(caller(c), req.Description, req.Deadline)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type entryRequest struct {
	Commitment common.Hash `json:"commitment" binding:"required"`
}

// EnterLottery handles POST /lotteries/:id/entries.
func (h *HTTPHandler) EnterLottery(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	var req entryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.EnterLottery(caller(c), id, req.Commitment); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type drawRequest struct {
	EncryptedSeed hexutil.Bytes `json:"encryptedSeed" binding:"required"`
}

// DrawWinner handles POST /lotteries/:id/draw.
func (h *HTTPHandler) DrawWinner(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	var req drawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.DrawWinner(caller(c), id, req.EncryptedSeed); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReseedWinner handles POST /lotteries/:id/reseed.
func (h *HTTPHandler) ReseedWinner(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	var req drawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.ReseedWinner(caller(c), id, req.EncryptedSeed); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RequestDecryption handles POST /lotteries/:id/decryption.
func (h *HTTPHandler) RequestDecryption(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	reqID, err := h.service.RequestWinnerDecryption(caller(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requestId": reqID})
}

type callbackRequest struct {
	RequestID  uint64        `json:"requestId" binding:"required"`
	Cleartexts hexutil.Bytes `json:"cleartexts" binding:"required"`
	Proof      hexutil.Bytes `json:"proof" binding:"required"`
}

// OracleCallback handles POST /oracle/callback. Authenticity rests on the
// proof, not on who sends it.
func (h *HTTPHandler) OracleCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.FulfillDecryption(req.RequestID, req.Cleartexts, req.Proof); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type revealRequest struct {
	Salt common.Hash `json:"salt" binding:"required"`
}

// RevealWinner handles POST /lotteries/:id/reveal.
func (h *HTTPHandler) RevealWinner(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	var req revealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.RevealWinner(caller(c), id, req.Salt); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetLottery handles GET /lotteries/:id.
func (h *HTTPHandler) GetLottery(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	l, err := h.service.Lottery(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// GetState handles GET /lotteries/:id/state.
func (h *HTTPHandler) GetState(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	state, err := h.service.State(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// GetPrize handles GET /lotteries/:id/prize.
func (h *HTTPHandler) GetPrize(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	prize, err := h.service.PrizeDescription(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prizeDescription": prize})
}

// GetParticipantCount handles GET /lotteries/:id/participants/count.
func (h *HTTPHandler) GetParticipantCount(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	n, err := h.service.ParticipantCount(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// GetEvents handles GET /lotteries/:id/events.
func (h *HTTPHandler) GetEvents(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	evs, err := h.service.Events(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, evs)
}

// OraclePublicKey handles GET /oracle/public-key.
func (h *HTTPHandler) OraclePublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"publicKey": oracle.EncodePublicKey(h.oraclePub)})
}

// ExportEventsCSV handles the request to download a lottery's audit trail as a CSV file.
func (h *HTTPHandler) ExportEventsCSV(c *gin.Context) {
	id, ok := lotteryID(c)
	if !ok {
		return
	}
	evs, err := h.service.Events(id)
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment;filename=lottery_"+strconv.FormatUint(id, 10)+"_events.csv")

	// BOM so spreadsheet tools pick UTF-8
	c.Writer.Write([]byte("\xef\xbb\xbf"))

	w := csv.NewWriter(c.Writer)
	if err := w.Write([]string{"seq", "time", "kind", "actor", "detail"}); err != nil {
		logger.Infof("Error writing CSV header: %v", err)
		return
	}
	for _, e := range evs {
		row := []string{
			strconv.FormatUint(e.Seq, 10),
			time.Unix(e.Time, 0).UTC().Format(time.RFC3339),
			string(e.Kind),
			e.Actor.Hex(),
			e.Detail,
		}
		if err := w.Write(row); err != nil {
			logger.Infof("Error writing CSV row: %v", err)
			return
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		logger.Infof("Error flushing CSV writer: %v", err)
	}
}
